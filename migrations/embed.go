// Package migrations はデータベースドライバごとのスキーママイグレーションを埋め込む。
package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// ForDriver は指定ドライバ用のマイグレーションファイルを返す。
func ForDriver(driver string) (fs.FS, error) {
	if _, err := fs.Stat(files, driver); err != nil {
		return nil, fmt.Errorf("no migrations for driver %q", driver)
	}
	return fs.Sub(files, driver)
}
