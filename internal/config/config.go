package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/gradekit/worker/internal/logger"
	"github.com/gradekit/worker/pkg/constants"
	"github.com/joho/godotenv"
)

type Config struct {
	RabbitMQURL       string
	ConsumeQueueName  string
	ResponseQueueName string
	PostgresDSN       string
	MaxWorkers        int
	QueueDepth        int
	CompileTimeout    time.Duration
	SuiteTimeout      time.Duration
	CompilerBinary    string
	CompilerStd       string
	SourceExtension   string
	WorkRoot          string
	SandboxImage      string
	UseSandbox        bool
}

func NewConfig() *Config {
	logger := logger.NewNamedLogger("config")

	_, err := os.Stat(".env")
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			logger.Fatalf("failed to stat .env file with error: %v", err)
		}
	} else {
		if err := godotenv.Load(".env"); err != nil {
			logger.Fatalf("failed to load .env file with error: %v", err)
		}
	}

	rabbitmqURL := rabbitmqConfig()
	postgresDSN := postgresConfig()
	consumeQueue, responseQueue, maxWorkers, queueDepth := workerConfig()
	compileTimeout, suiteTimeout := timeoutConfig()
	compilerBinary, compilerStd, sourceExt, workRoot := pipelineConfig()
	sandboxImage, useSandbox := sandboxConfig()

	return &Config{
		RabbitMQURL:       rabbitmqURL,
		ConsumeQueueName:  consumeQueue,
		ResponseQueueName: responseQueue,
		PostgresDSN:       postgresDSN,
		MaxWorkers:        maxWorkers,
		QueueDepth:        queueDepth,
		CompileTimeout:    compileTimeout,
		SuiteTimeout:      suiteTimeout,
		CompilerBinary:    compilerBinary,
		CompilerStd:       compilerStd,
		SourceExtension:   sourceExt,
		WorkRoot:          workRoot,
		SandboxImage:      sandboxImage,
		UseSandbox:        useSandbox,
	}
}

func envOrDefault(key, fallback string) string {
	logger := logger.NewNamedLogger("config")

	value := os.Getenv(key)
	if value == "" {
		logger.Warnf("%s is not set, using default value %s", key, fallback)
		return fallback
	}
	return value
}

func envIntOrDefault(key string, fallback int) int {
	logger := logger.NewNamedLogger("config")

	valueStr := os.Getenv(key)
	if valueStr == "" {
		logger.Warnf("%s is not set, using default value %d", key, fallback)
		return fallback
	}
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		logger.Fatalf("failed to parse %s with error: %v", key, err)
	}
	return value
}

func rabbitmqConfig() string {
	logger := logger.NewNamedLogger("config")

	host := envOrDefault("RABBITMQ_HOST", constants.DefaultRabbitmqHost)
	portStr := envOrDefault("RABBITMQ_PORT", constants.DefaultRabbitmqPort)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		logger.Fatalf("failed to parse RABBITMQ_PORT with error: %v", err)
	}
	user := envOrDefault("RABBITMQ_USER", constants.DefaultRabbitmqUser)
	password := envOrDefault("RABBITMQ_PASSWORD", constants.DefaultRabbitmqPassword)

	return fmt.Sprintf("amqp://%s:%s@%s:%d/", user, password, host, port)
}

func postgresConfig() string {
	logger := logger.NewNamedLogger("config")

	host := envOrDefault("POSTGRES_HOST", constants.DefaultPostgresHost)
	portStr := envOrDefault("POSTGRES_PORT", constants.DefaultPostgresPort)
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		logger.Fatalf("failed to parse POSTGRES_PORT with error: %v", err)
	}
	user := envOrDefault("POSTGRES_USER", constants.DefaultPostgresUser)
	password := os.Getenv("POSTGRES_PASSWORD")
	dbName := envOrDefault("POSTGRES_DB", constants.DefaultPostgresDB)

	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
		host, port, user, password, dbName)
}

func workerConfig() (string, string, int, int) {
	consumeQueue := envOrDefault("WORKER_QUEUE_NAME", constants.DefaultWorkerQueueName)
	responseQueue := envOrDefault("RESPONSE_QUEUE_NAME", constants.DefaultResponseQueueName)
	maxWorkers := envIntOrDefault("MAX_WORKERS", constants.DefaultMaxWorkers)
	queueDepth := envIntOrDefault("QUEUE_DEPTH", constants.DefaultQueueDepth)

	return consumeQueue, responseQueue, maxWorkers, queueDepth
}

func timeoutConfig() (time.Duration, time.Duration) {
	compileSec := envIntOrDefault("COMPILE_TIMEOUT_SEC", constants.DefaultCompileTimeoutSec)
	suiteSec := envIntOrDefault("SUITE_TIMEOUT_SEC", constants.DefaultSuiteTimeoutSec)

	return time.Duration(compileSec) * time.Second, time.Duration(suiteSec) * time.Second
}

func pipelineConfig() (string, string, string, string) {
	compilerBinary := envOrDefault("COMPILER_BINARY", constants.DefaultCompilerBinary)
	compilerStd := envOrDefault("COMPILER_STD", constants.DefaultCompilerStd)
	sourceExt := envOrDefault("SOURCE_EXTENSION", constants.DefaultSourceExtension)
	workRoot := envOrDefault("WORK_ROOT", constants.DefaultWorkRoot)

	return compilerBinary, compilerStd, sourceExt, workRoot
}

func sandboxConfig() (string, bool) {
	logger := logger.NewNamedLogger("config")

	image := envOrDefault("SANDBOX_IMAGE", constants.DefaultSandboxImage)
	useStr := os.Getenv("USE_SANDBOX")
	if useStr == "" {
		logger.Warnf("USE_SANDBOX is not set, running tests with the process executor")
		return image, false
	}
	use, err := strconv.ParseBool(useStr)
	if err != nil {
		logger.Fatalf("failed to parse USE_SANDBOX with error: %v", err)
	}
	return image, use
}
