package main

import (
	"github.com/gradekit/worker/internal/config"
	"github.com/gradekit/worker/internal/diagnostics"
	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/internal/pipeline"
	"github.com/gradekit/worker/internal/queue"
	"github.com/gradekit/worker/internal/repositories"
	"github.com/gradekit/worker/internal/sandbox"
	"github.com/gradekit/worker/internal/stages/compiler"
	"github.com/gradekit/worker/internal/stages/executor"
	"github.com/gradekit/worker/internal/storage"
	amqp "github.com/rabbitmq/amqp091-go"
)

func main() {
	logger := logger.NewNamedLogger("main")

	logger.Info("Starting grading worker")

	cfg := config.NewConfig()

	db, err := repositories.Connect(cfg.PostgresDSN)
	if err != nil {
		logger.Fatalf("Failed to connect to postgres: %s", err)
	}
	defer db.Close()

	conn, err := amqp.Dial(cfg.RabbitMQURL)
	if err != nil {
		logger.Fatalf("Failed to connect to RabbitMQ: %s", err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			logger.Errorf("Failed to close RabbitMQ connection: %s", err)
		}
	}()

	channel, err := conn.Channel()
	if err != nil {
		logger.Fatalf("Failed to open a channel: %s", err)
	}

	assignments := repositories.NewPostgresAssignmentStore(db)
	evaluations := repositories.NewPostgresEvaluationStore(db)
	recorder := diagnostics.NewRecorder(repositories.NewPostgresDiagnosticStore(db))
	cache := storage.NewScoreCache()

	comp := compiler.NewCppCompiler(cfg.CompilerBinary, cfg.CompilerStd)

	var exec executor.Executor
	if cfg.UseSandbox {
		client, err := sandbox.NewClient()
		if err != nil {
			logger.Fatalf("Failed to initialize sandbox client: %s", err)
		}
		exec = executor.NewContainerExecutor(client, cfg.SandboxImage)
	} else {
		exec = executor.NewProcessExecutor()
	}

	pool := pipeline.NewPool(cfg.MaxWorkers, cfg.QueueDepth)

	orchestrator := pipeline.NewOrchestrator(
		assignments,
		evaluations,
		comp,
		exec,
		cache,
		recorder,
		pool,
		pipeline.Options{
			CompileTimeout:  cfg.CompileTimeout,
			SuiteTimeout:    cfg.SuiteTimeout,
			SourceExtension: cfg.SourceExtension,
		},
	)

	responder := queue.NewResponder(channel, cfg.ResponseQueueName)
	consumer := queue.NewConsumer(channel, cfg.ConsumeQueueName, orchestrator, pool, responder)

	logger.Info("Listening for evaluation messages")
	consumer.Listen()
}
