package app

import (
	"io"

	"github.com/urfave/cli/v2"
)

// Command はアプリケーションの起動モードを表す。
type Command string

const (
	// CommandServe はAPIサーバーモードで起動することを示す。
	CommandServe Command = "serve"
	// CommandWorker はリコンサイルワーカーモードで起動することを示す。
	CommandWorker Command = "worker"
	// CommandMigrate はデータベースマイグレーションを実行することを示す。
	CommandMigrate Command = "migrate"
	// CommandHealthcheck はヘルスチェックを実行することを示す。
	// distroless環境でのDockerヘルスチェック用。
	CommandHealthcheck Command = "healthcheck"
)

// NewCLI はサブコマンドを登録したcli.Appを返す。
// サブコマンドが指定されない場合はserveとして動作する。
func NewCLI(w io.Writer) *cli.App {
	return &cli.App{
		Name:      "coursemeet",
		Usage:     "Book one-hour video meetings between instructors and students.",
		Writer:    w,
		ErrWriter: w,
		Action: func(c *cli.Context) error {
			return serve(w)
		},
		Commands: []*cli.Command{
			serveCommand(w),
			workerCommand(w),
			migrateCommand(w),
			healthcheckCommand(),
		},
	}
}

func serveCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandServe),
		Usage: "Start the HTTP API server.",
		Action: func(c *cli.Context) error {
			return serve(w)
		},
	}
}

func workerCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandWorker),
		Usage: "Run the booking ledger reconcile job.",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "once",
				Usage: "run a single reconcile pass and exit",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			logStart(CommandWorker, cfg)
			return runWorker(c.Context, cfg, c.Bool("once"))
		},
	}
}

func migrateCommand(w io.Writer) *cli.Command {
	return &cli.Command{
		Name:  string(CommandMigrate),
		Usage: "Apply all pending database migrations.",
		Flags: []cli.Flag{
			&cli.IntFlag{
				Name:  "rollback",
				Usage: "roll back the given number of migrations instead of applying",
			},
			&cli.BoolFlag{
				Name:  "status",
				Usage: "print the applied migration version and exit",
			},
		},
		Action: func(c *cli.Context) error {
			cfg, err := Init(w)
			if err != nil {
				return err
			}
			logStart(CommandMigrate, cfg)
			switch {
			case c.Bool("status"):
				return runMigrateStatus(c.App.Writer, cfg)
			case c.IsSet("rollback"):
				return runRollback(cfg, c.Int("rollback"))
			default:
				return runMigrate(cfg)
			}
		},
	}
}

// healthcheckCommand は軽量サブコマンドのため、設定の読み込みを行わない。
func healthcheckCommand() *cli.Command {
	return &cli.Command{
		Name:  string(CommandHealthcheck),
		Usage: "Check the local /health endpoint.",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "port",
				Value:   "8080",
				EnvVars: []string{"SERVER_PORT", "PORT"},
			},
		},
		Action: func(c *cli.Context) error {
			return runHealthcheck(c.String("port"))
		},
	}
}

func serve(w io.Writer) error {
	cfg, err := Init(w)
	if err != nil {
		return err
	}
	logStart(CommandServe, cfg)
	return runServe(cfg)
}
