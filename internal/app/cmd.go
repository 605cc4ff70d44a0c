package app

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// ParseCommand はos.Args[1:]の先頭からサブコマンドを決める。
// 引数なしや未知の値はCommandServeとして扱う。
func ParseCommand(args []string) Command {
	if len(args) == 0 {
		return CommandServe
	}
	switch cmd := Command(args[0]); cmd {
	case CommandWorker, CommandMigrate, CommandHealthcheck:
		return cmd
	default:
		return CommandServe
	}
}

// MigrateAction はmigrateサブコマンドの操作を表す。
type MigrateAction string

const (
	// MigrateUp は未適用のマイグレーションをすべて適用する。
	MigrateUp MigrateAction = "up"
	// MigrateDown は直近のマイグレーションを1つ戻す。
	MigrateDown MigrateAction = "down"
	// MigrateVersion は現在のマイグレーションバージョンを表示する。
	MigrateVersion MigrateAction = "version"
)

// ParseMigrateAction は "migrate" に続く引数から操作を解析する。
// 指定なしまたは不明な値の場合はMigrateUpを返す。
func ParseMigrateAction(args []string) MigrateAction {
	if len(args) < 2 {
		return MigrateUp
	}
	switch MigrateAction(args[1]) {
	case MigrateDown:
		return MigrateDown
	case MigrateVersion:
		return MigrateVersion
	default:
		return MigrateUp
	}
}
