package postgres

import (
	"fmt"
	"math/big"
)

// Amounts are stored as NUMERIC(78,0) and moved over the wire as decimal
// strings. SELECTs cast the column with ::text and parameters are bound with
// numArg, which keeps pgx out of float territory entirely.

func numArg(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func parseNum(s string) (*big.Int, error) {
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil, fmt.Errorf("postgres: malformed numeric %q", s)
	}
	return v, nil
}
