package bootstrap

import (
	"context"
	"flag"
	"os"
	"runtime"
	"strings"
	"unsafe"

	"github.com/DODOEX/liquidity-sync/internal/application"
	"github.com/DODOEX/liquidity-sync/internal/database"
	"github.com/DODOEX/liquidity-sync/internal/module/shared"
	"github.com/DODOEX/liquidity-sync/internal/router"
	"github.com/knadh/koanf/v2"
	"github.com/rs/zerolog"
	"go.uber.org/fx"
)

// function to start webserver
func Start(
	lifecycle fx.Lifecycle,
	cfg *koanf.Koanf,
	log zerolog.Logger,
	app *application.Application,
	router *router.Router,
	database *database.Database,
	store *database.Store,
	amqp *shared.Amqp,
	redis *shared.RedisClient,
	reporter *shared.SlackReporter,
) {
	lifecycle.Append(
		fx.Hook{
			OnStart: func(ctx context.Context) error {
				router.Register()

				// ASCII Art
				ascii, err := os.ReadFile("./storage/ascii_art.txt")
				if err != nil {
					log.Debug().Err(err).Msg("An unknown error occurred when to print ASCII art!")
				}

				for _, line := range strings.Split(unsafe.String(unsafe.SliceData(ascii), len(ascii)), "\n") {
					log.Info().Msg(line)
				}

				// Information message
				log.Info().Msg(app.AppName + " is running at the moment!")

				// Debug informations
				if !cfg.Bool("app.production") {
					prefork := "Enabled"
					procs := runtime.GOMAXPROCS(0)
					if !app.Prefork {
						procs = 1
						prefork = "Disabled"
					}

					log.Debug().Msgf("Version: %s", "-")
					log.Debug().Msgf("Hostname: %s", app.Hostname)
					log.Debug().Msgf("Port: %s", app.Port)
					log.Debug().Msgf("Prefork: %s", prefork)
					log.Debug().Msgf("Handlers: %d", app.HandlersCount())
					log.Debug().Msgf("Processes: %d", procs)
					log.Debug().Msgf("PID: %d", os.Getpid())
				}

				if err := store.Connect(ctx); err != nil {
					return err
				}
				log.Info().Msg("1- Connected the DynamoDB succesfully!")

				database.ConnectDatabase()

				migrate := flag.Bool("migrate", false, "migrate the sync run ledger")
				flag.Parse()

				// read flag -migrate to migrate the database
				if *migrate {
					database.MigrateModels()
				}

				redis.Connect()
				log.Info().Msg("2- Connected the Redis succesfully!")

				amqp.Connect()
				log.Info().Msg("3- Connected the Amqp succesfully!")

				go func() {
					if err := app.Run(); err != nil {
						log.Error().Err(err).Msg("An unknown error occurred when to run server!")
					}
				}()

				return nil
			},
			OnStop: func(ctx context.Context) error {
				log.Info().Msg("Running cleanup tasks...")
				if err := app.Shutdown(); err != nil {
					log.Error().Err(err).Msg("Failed to shutdown the server")
				}

				log.Info().Msg("1- Shutdown the Database")
				database.ShutdownDatabase()

				log.Info().Msg("2- Shutdown the Redis")
				if redis != nil {
					redis.Close()
				}

				log.Info().Msg("3- Shutdown the Amqp")
				if amqp != nil {
					amqp.Close()
				}

				// 等待未发送完的告警
				reporter.Wait()

				log.Info().Msgf("%s was successful shutdown.", app.AppName)
				log.Info().Msg("\u001b[96msee you again👋\u001b[0m")

				return nil
			},
		},
	)
}
