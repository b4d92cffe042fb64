package address

import (
	"fmt"
	"strings"
)

type sqlDriver struct {
	scheme string
	port   int
}

var sqlDrivers = map[string]sqlDriver{
	"oracle":     {scheme: "oracle+cx_oracle", port: 1521},
	"mysql":      {scheme: "mysql+pymysql", port: 3306},
	"postgresql": {scheme: "postgresql+psycopg2", port: 5432},
	"postgres":   {scheme: "postgresql+psycopg2", port: 5432},
}

// FTPDefaultPort is filled in by NormalizeFTP when the address has no port.
const FTPDefaultPort = 21

// NormalizeSQL returns a copy of a with a driver-qualified scheme and the
// vendor default port filled in. Already qualified schemes are accepted.
//
//	oracle://u:p@host/svc#table -> oracle+cx_oracle://u:p@host:1521/svc#table
func NormalizeSQL(a *Address) (*Address, error) {
	scheme := strings.ToLower(a.Scheme)
	driver, ok := sqlDrivers[scheme]
	if !ok {
		for _, d := range sqlDrivers {
			if d.scheme == scheme {
				driver, ok = d, true
				break
			}
		}
	}
	if !ok {
		return nil, fmt.Errorf("%w: unsupported sql scheme %q", ErrAddressFormat, a.Scheme)
	}

	out := a.Clone()
	out.Scheme = driver.scheme
	if _, has := out.Port(); !has {
		if err := out.SetPort(driver.port); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// SQLConnString normalizes a and renders it as a connection string. The
// fragment names a table and is only kept when withTable is set.
func SQLConnString(a *Address, withTable bool) (string, error) {
	n, err := NormalizeSQL(a)
	if err != nil {
		return "", err
	}
	parts := PartPath
	if withTable {
		parts |= PartFragment
	}
	return n.Render(parts), nil
}

// NormalizeFTP returns a copy of a with port 21 filled in when absent. The
// fragment conventionally carries the transfer mode, e.g. PASV.
func NormalizeFTP(a *Address) (*Address, error) {
	if a.Scheme != "ftp" {
		return nil, fmt.Errorf("%w: expected ftp scheme, got %q", ErrAddressFormat, a.Scheme)
	}
	out := a.Clone()
	if _, has := out.Port(); !has {
		if err := out.SetPort(FTPDefaultPort); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// FTPConnString normalizes a and renders it without params and query.
func FTPConnString(a *Address) (string, error) {
	n, err := NormalizeFTP(a)
	if err != nil {
		return "", err
	}
	return n.Render(PartPath | PartFragment), nil
}
