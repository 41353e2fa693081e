package mailbox

// Outcome classifica o resultado de uma busca de código
type Outcome int

const (
	// NotFound: nenhum email novo e válido na caixa
	NotFound Outcome = iota
	// Found: código extraído
	Found
	// Unavailable: falha de conexão, autenticação ou leitura; pode passar sozinha
	Unavailable
	// Misconfigured: a conta não pode ser consultada até mudar a configuração
	Misconfigured
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Unavailable:
		return "unavailable"
	case Misconfigured:
		return "misconfigured"
	default:
		return "not_found"
	}
}

// Result é o resultado de uma busca. Marker é o UID a guardar para a próxima
// busca; fora de Found ele é o mesmo recebido.
type Result struct {
	Outcome Outcome
	Code    string
	Date    string
	Marker  uint32
	Err     error
}

// HasCode indica se um código foi encontrado
func (r Result) HasCode() bool {
	return r.Outcome == Found && r.Code != ""
}
