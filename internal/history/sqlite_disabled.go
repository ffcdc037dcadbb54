//go:build !sqlite
// +build !sqlite

package history

import (
	"errors"

	logx "periodicd/pkg/logx"
)

func openSQLite(Config, logx.Logger) (Store, error) {
	return nil, errors.New("sqlite history not built: build with -tags sqlite")
}
