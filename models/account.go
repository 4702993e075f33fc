package models

import "os"

// Account is a brokerage account the service can stream from. Accounts are
// managed elsewhere; this core treats them as read-only. Priority 0 is the
// primary, higher ranks are backups in promotion order.
type Account struct {
	ID        string `yaml:"id"`
	Name      string `yaml:"name"`
	Broker    string `yaml:"broker"`
	HostURL   string `yaml:"host_url"`
	WSURL     string `yaml:"ws_url"`
	APIKeyEnv string `yaml:"api_key_env"`
	Priority  int    `yaml:"priority"`
	Active    bool   `yaml:"active"`
}

// APIKey resolves the credential handle. The raw key must never appear in
// logs; log APIKeyEnv instead.
func (a Account) APIKey() string {
	return os.Getenv(a.APIKeyEnv)
}
