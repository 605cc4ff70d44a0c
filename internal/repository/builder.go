package repository

import sq "github.com/Masterminds/squirrel"

// psq はPostgreSQL用のプレースホルダー（$1, $2...）を使うステートメントビルダー。
var psq = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)
