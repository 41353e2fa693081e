package dispatcher

import (
	"sync"

	"github.com/carloslauriano/guardrelay/config"
	"github.com/carloslauriano/guardrelay/quota"
)

// AccountState guarda a conta e o último UID já entregue
type AccountState struct {
	Account config.Account
	Limit   quota.Limit

	mu     sync.Mutex
	marker uint32
}

// Marker retorna o UID do último email consumido (0 = nenhum)
func (s *AccountState) Marker() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.marker
}

// Advance move o marker para frente; valores menores ou iguais são ignorados
func (s *AccountState) Advance(marker uint32) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if marker <= s.marker {
		return false
	}
	s.marker = marker
	return true
}

// Registry relaciona cada comando à sua conta
type Registry struct {
	byCommand map[string]*AccountState
	states    []*AccountState
	shadowed  []config.Account
}

// NewRegistry monta o registro na ordem da configuração; num comando
// repetido vale a primeira conta
func NewRegistry(accounts []config.Account) *Registry {
	r := &Registry{byCommand: make(map[string]*AccountState, len(accounts))}

	for _, acc := range accounts {
		command := config.NormalizeCommand(acc.Command)
		if _, taken := r.byCommand[command]; taken {
			r.shadowed = append(r.shadowed, acc)
			continue
		}

		acc.Command = command
		state := &AccountState{
			Account: acc,
			Limit:   quota.Limit{Max: acc.Limit, Period: acc.Period()},
		}
		r.byCommand[command] = state
		r.states = append(r.states, state)
	}

	return r
}

// Lookup encontra a conta do comando já normalizado
func (r *Registry) Lookup(command string) (*AccountState, bool) {
	state, ok := r.byCommand[command]
	return state, ok
}

// States retorna as contas alcançáveis, na ordem da configuração
func (r *Registry) States() []*AccountState {
	return r.states
}

// Shadowed retorna as contas cujo comando já pertence a outra conta
func (r *Registry) Shadowed() []config.Account {
	return r.shadowed
}
