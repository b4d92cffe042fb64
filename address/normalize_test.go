package address

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeSQL(t *testing.T) {
	tests := []struct {
		raw        string
		wantScheme string
		wantPort   int
	}{
		{"oracle://u:p@host/svc", "oracle+cx_oracle", 1521},
		{"mysql://u:p@host/svc", "mysql+pymysql", 3306},
		{"postgresql://u:p@host/db", "postgresql+psycopg2", 5432},
		{"oracle://u:p@host:1600/svc", "oracle+cx_oracle", 1600},
		{"mysql+pymysql://u:p@host/svc", "mysql+pymysql", 3306},
	}
	for _, tt := range tests {
		t.Run(tt.raw, func(t *testing.T) {
			in := MustParse(tt.raw)
			out, err := NormalizeSQL(in)
			require.NoError(t, err)
			assert.Equal(t, tt.wantScheme, out.Scheme)
			port, ok := out.Port()
			require.True(t, ok)
			assert.Equal(t, tt.wantPort, port)
			assert.Equal(t, MustParse(tt.raw).String(), in.String(), "input must not be modified")
		})
	}
}

func TestNormalizeSQLUnsupported(t *testing.T) {
	_, err := NormalizeSQL(MustParse("mongodb://u:p@host/db"))
	assert.True(t, errors.Is(err, ErrAddressFormat))
}

func TestSQLConnString(t *testing.T) {
	a := MustParse("oracle://u:p@host/svc;x?y=1#orders")

	s, err := SQLConnString(a, false)
	require.NoError(t, err)
	assert.Equal(t, "oracle+cx_oracle://u:p@host:1521/svc", s)

	s, err = SQLConnString(a, true)
	require.NoError(t, err)
	assert.Equal(t, "oracle+cx_oracle://u:p@host:1521/svc#orders", s)
}

func TestNormalizeFTP(t *testing.T) {
	out, err := NormalizeFTP(MustParse("ftp://u:p@host/incoming#PASV"))
	require.NoError(t, err)

	port, ok := out.Port()
	require.True(t, ok)
	assert.Equal(t, 21, port)
	assert.Nil(t, out.Nested)
	assert.Equal(t, "PASV", out.Fragment)
	assert.Equal(t, "u:p@host:21", out.Authority())

	s, err := FTPConnString(MustParse("ftp://u:p@host:10001/path;a?b#PASV"))
	require.NoError(t, err)
	assert.Equal(t, "ftp://u:p@host:10001/path#PASV", s)
}

func TestNormalizeFTPRejectsOtherSchemes(t *testing.T) {
	_, err := NormalizeFTP(MustParse("sftp://u:p@host/incoming"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrAddressFormat))

	_, err = FTPConnString(MustParse("tcp://host"))
	assert.True(t, errors.Is(err, ErrAddressFormat))
}
