package config

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/joho/godotenv"
	"github.com/kelseyhightower/envconfig"
	"github.com/pkg/errors"
)

// Environment contains the imported environment variables.
type Environment struct {
	// Debug vs Deploy
	Mode string `default:"dev"`
	// Port to listen on
	Addr string `default:":4242"`
	// Maximum submissions per client within the rate window
	RateLimitMax int `default:"10" split_words:"true"`
	// Sliding rate window duration in seconds
	RateLimitWindowSec int `default:"3600" split_words:"true"`
	// Timeout applied to a single collaborator call
	StageTimeoutSec int `default:"120" split_words:"true"`
	// Number of automatic retries for a transient stage failure
	StageRetries int `default:"1" split_words:"true"`
	// Pause between stage retry attempts in milliseconds
	StageRetryBackoffMs int `default:"500" split_words:"true"`
	// Maximum number of jobs running their pipelines in parallel
	Parallelism int `default:"4"`
	// Number of admitted jobs that may wait for a run slot
	AdmissionQueueSize int `default:"100" split_words:"true"`
	// Grace period granted to in-flight stages on shutdown, in seconds
	ShutdownGraceSec int `default:"10" split_words:"true"`
	// Base URL of the transcript fetch service; empty uses the built-in collaborator
	FetchAddr string `default:"" split_words:"true"`
	// Base URL of the summarization service; empty uses the built-in collaborator
	SummarizeAddr string `default:"" split_words:"true"`
	// Base URL of the script synthesis service; empty uses the built-in collaborator
	ScriptAddr string `default:"" split_words:"true"`
	// Base URL of the voice render service; empty uses the built-in collaborator
	RenderAddr string `default:"" split_words:"true"`
	// Upper bound on finished jobs returned by a single history page
	HistoryPageMax int `default:"50" split_words:"true"`
}

func (e Environment) String() string {
	settings, err := json.MarshalIndent(e, "", "    ")
	if err != nil {
		return fmt.Errorf("Failed to marshal env: %v", err).Error()
	}
	return fmt.Sprintf("Environment Settings:\n%s\n", string(settings))
}

// Load imports the environment variables and returns them in an Environment.
func Load(envFile string) (*Environment, error) {
	testEnv := os.Getenv("PF_MODE")
	// if no env var in existing environment, load environment file from the .env file,
	// otherwise (in production) just check existing host environment
	if "" == testEnv {
		err := godotenv.Load(envFile)
		if err != nil {
			return nil, errors.Wrapf(err, "Error loading %s file", envFile)
		}
	}

	var env Environment
	err := envconfig.Process("pf", &env)
	if err != nil {
		return nil, errors.Wrap(err, "Error processing environment config")
	}
	return &env, err
}
