package storage

// UsageRecord representa o consumo de um solicitante em um comando
type UsageRecord struct {
	Count     int   `json:"count"`
	ResetTime int64 `json:"reset_time,omitempty"` // Unix; 0 quando o limite é vitalício
}

// Usage mapeia solicitante -> comando -> registro, no formato do usage.json
type Usage map[string]map[string]UsageRecord

// Set grava um registro, criando o mapa do solicitante se preciso
func (u Usage) Set(requesterID, command string, record UsageRecord) {
	commands, ok := u[requesterID]
	if !ok {
		commands = make(map[string]UsageRecord)
		u[requesterID] = commands
	}
	commands[command] = record
}

// Get obtém um registro
func (u Usage) Get(requesterID, command string) (UsageRecord, bool) {
	record, ok := u[requesterID][command]
	return record, ok
}
