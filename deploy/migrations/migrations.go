package migrations

import (
	"embed"
	"io/fs"
)

// files 包含各数据库方言的 SQL 迁移文件。
//
//go:embed mysql/*.sql sqlite/*.sql
var files embed.FS

// MySQL 返回 MySQL 迁移目录。
func MySQL() fs.FS {
	return sub("mysql")
}

// SQLite 返回 SQLite 迁移目录。
func SQLite() fs.FS {
	return sub("sqlite")
}

func sub(dir string) fs.FS {
	f, err := fs.Sub(files, dir)
	if err != nil {
		panic(err)
	}
	return f
}
