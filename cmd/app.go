package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/onchainlab/utxo-lifecycle/internal/config"
	"github.com/onchainlab/utxo-lifecycle/internal/db"
	"github.com/onchainlab/utxo-lifecycle/internal/http"
	"github.com/onchainlab/utxo-lifecycle/internal/pipeline"
	"github.com/onchainlab/utxo-lifecycle/internal/state"
)

type Application struct {
	DatabaseManager *db.DatabaseManager
	State           *state.RunState
	Runner          *pipeline.Runner
	HTTPServer      http.HTTPServer
}

// phaseStages maps the -phase flag to the last stage that phase runs.
var phaseStages = map[string]state.Stage{
	"link":     state.StageLinkSpent,
	"snapshot": state.StageBuildSnapshots,
	"qa":       state.StageValidate,
}

func NewApplication(phase string) *Application {
	if err := godotenv.Load(); err != nil {
		log.Debugf("No .env file loaded: %v", err)
	}
	config.InitConfig()

	dbm := db.NewDatabaseManager()
	runID := uuid.New().String()
	runState := state.NewRunState(runID)
	runner := pipeline.NewRunner(config.AppConfig, dbm, runState, runID)
	if phase != "all" {
		stage, ok := phaseStages[phase]
		if !ok {
			log.Fatalf("Unknown phase %q, want all, link, snapshot or qa", phase)
		}
		runner.StopAfter(stage)
	}
	httpServer := http.NewHTTPServer(runState, dbm)

	return &Application{
		DatabaseManager: dbm,
		State:           runState,
		Runner:          runner,
		HTTPServer:      httpServer,
	}
}

func (app *Application) Run() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	if config.AppConfig.EnableHTTP {
		go app.HTTPServer.StartHTTPServer()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		result, err := app.Runner.Run(ctx)
		if err != nil {
			log.Errorf("Run %s failed: %v", result.RunID, err)
			return
		}
		log.Infof("Run %s finished, published=%v", result.RunID, result.Published)
	}()

	select {
	case <-stop:
		log.Info("Receiving exit signal...")
		cancel()
		<-done
	case <-done:
		if config.AppConfig.EnableHTTP {
			log.Info("Run finished, serving results until exit signal")
			<-stop
		}
	}

	app.DatabaseManager.Close()
	log.Info("Server stopped")
}

func main() {
	phase := flag.String("phase", "all", "pipeline phase to run: all, link, snapshot or qa")
	flag.Parse()

	app := NewApplication(*phase)
	app.Run()
}
