package collector

import (
	"time"

	"github.com/pgexporter/pgexporter/internal/config"
	"github.com/pgexporter/pgexporter/internal/wire"
)

// Querier is the subset of *wire.Handle the Collector needs, kept as an
// interface so tests can drive the collector against a fake server
// without opening a socket.
type Querier interface {
	SimpleQuery(sql string) (*wire.RowSet, error)
	Close() error
}

// PasswordLookup resolves the password to authenticate a server with;
// the decrypted-secrets concern lives in internal/secrets.
type PasswordLookup func(server *config.Server) (string, error)

// Connector opens an authenticated connection to one database on one
// server. The default implementation speaks the real wire protocol;
// tests substitute a fake.
type Connector interface {
	Connect(server *config.Server, database string) (Querier, error)
}

// WireConnector is the production Connector, grounded on internal/wire.
type WireConnector struct {
	Password    PasswordLookup
	DialTimeout time.Duration
	AuthTimeout time.Duration
}

func (c *WireConnector) Connect(server *config.Server, database string) (Querier, error) {
	endpoint := wire.Endpoint{
		Host:        server.Host,
		Port:        server.Port,
		TLSCAFile:   server.TLSCAFile,
		TLSCertFile: server.TLSCertFile,
		TLSKeyFile:  server.TLSKeyFile,
	}
	h, err := wire.Connect(endpoint, c.DialTimeout)
	if err != nil {
		return nil, err
	}

	password, err := c.Password(server)
	if err != nil {
		h.Close()
		return nil, err
	}

	authTimeout := c.AuthTimeout
	if err := h.Authenticate(server.Username, password, database, func() int { return int(authTimeout / time.Second) }); err != nil {
		h.Close()
		return nil, err
	}
	return h, nil
}
