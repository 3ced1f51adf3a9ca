package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/docopt/docopt-go"
	"github.com/spf13/viper"
	"golang.org/x/term"

	"github.com/wsworkflowmanager/wmclient/wmsync"
)

const WmSyncCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Workflow manager sync control.

Settings are read from wmsyncctl.yaml (in . or $HOME/.wmsync), then WMSYNC_* env vars,
then the options below. The defaults are:
    api_url: http://localhost:8080
    push_url: ws://localhost:8081/ws
    storage: keyring

Usage:
    wmsyncctl login [options] [--client_id=<client_id>] [--user_id=<user_id>]
    wmsyncctl logout [options]
    wmsyncctl sessions [options] [--remove=<client_id>]
    wmsyncctl workflows [options]
    wmsyncctl workflow [options] <workflow_id>
    wmsyncctl create-workflow [options] --name=<name>
    wmsyncctl create-entity [options] <workflow_id> --name=<name>
    wmsyncctl move [options] <entity_id> <state_id>
    wmsyncctl watch [options] [<workflow_id>] [--duration=<duration>]

Options:
    -h --help                    Show this screen.
    --version                    Show version.
    --config=<config>            Config file.
    --api_url=<api_url>
    --push_url=<push_url>
    --storage=<storage>          memory, keyring or redis.
    --redis_addr=<redis_addr>
    --redis_password_prompt      Read the redis password from the terminal.
    --client_id=<client_id>      Log in as this client. A new client is created if omitted.
    --user_id=<user_id>
    --remove=<client_id>         Forget a registered session.
    --name=<name>
    --duration=<duration>        Stop watching after this long, e.g. 30s.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WmSyncCtlVersion)
	if err != nil {
		panic(err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	config, err := loadConfig(opts)
	if err != nil {
		Err.Fatalf("config: %s", err)
	}

	if login_, _ := opts.Bool("login"); login_ {
		login(ctx, config, opts)
	} else if logout_, _ := opts.Bool("logout"); logout_ {
		logout(ctx, config)
	} else if sessions_, _ := opts.Bool("sessions"); sessions_ {
		sessions(ctx, config, opts)
	} else if workflows_, _ := opts.Bool("workflows"); workflows_ {
		workflows(ctx, config)
	} else if workflow_, _ := opts.Bool("workflow"); workflow_ {
		workflow(ctx, config, opts)
	} else if createWorkflow_, _ := opts.Bool("create-workflow"); createWorkflow_ {
		createWorkflow(ctx, config, opts)
	} else if createEntity_, _ := opts.Bool("create-entity"); createEntity_ {
		createEntity(ctx, config, opts)
	} else if move_, _ := opts.Bool("move"); move_ {
		move(ctx, config, opts)
	} else if watch_, _ := opts.Bool("watch"); watch_ {
		watch(ctx, config, opts)
	}
}

type Config struct {
	ApiUrl         string `mapstructure:"api_url"`
	PushUrl        string `mapstructure:"push_url"`
	Storage        string `mapstructure:"storage"`
	KeyringService string `mapstructure:"keyring_service"`
	RedisAddr      string `mapstructure:"redis_addr"`
	RedisPassword  string `mapstructure:"redis_password"`
	RedisDb        int    `mapstructure:"redis_db"`
}

func loadConfig(opts docopt.Opts) (*Config, error) {
	v := viper.New()
	v.SetDefault("api_url", "http://localhost:8080")
	v.SetDefault("push_url", "ws://localhost:8081/ws")
	v.SetDefault("storage", "keyring")
	v.SetDefault("keyring_service", "wmsync")
	v.SetDefault("redis_addr", "localhost:6379")
	v.SetDefault("redis_db", 0)

	v.SetEnvPrefix("WMSYNC")
	v.AutomaticEnv()

	if configPath, err := opts.String("--config"); err == nil && configPath != "" {
		v.SetConfigFile(configPath)
		if err := v.ReadInConfig(); err != nil {
			return nil, err
		}
	} else {
		v.SetConfigName("wmsyncctl")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(home + "/.wmsync")
		}
		if err := v.ReadInConfig(); err != nil {
			if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
				return nil, err
			}
		}
	}

	// options override the file and env
	for _, key := range []string{"api_url", "push_url", "storage", "redis_addr"} {
		if value, err := opts.String("--" + key); err == nil && value != "" {
			v.Set(key, value)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, err
	}

	if prompt, _ := opts.Bool("--redis_password_prompt"); prompt {
		fmt.Print("Enter redis password: ")
		passwordBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			return nil, err
		}
		config.RedisPassword = string(passwordBytes)
		fmt.Printf("\n")
	}
	return &config, nil
}

func newStorage(ctx context.Context, config *Config) (wmsync.Storage, error) {
	switch config.Storage {
	case "memory":
		return wmsync.NewMemoryStorage(), nil
	case "keyring":
		return wmsync.NewKeyringStorage(config.KeyringService), nil
	case "redis":
		settings := wmsync.DefaultRedisStorageSettings()
		settings.Addr = config.RedisAddr
		settings.Password = config.RedisPassword
		settings.Db = config.RedisDb
		return wmsync.NewRedisStorage(ctx, settings)
	default:
		return nil, fmt.Errorf("Unknown storage: %s", config.Storage)
	}
}

// `push` connects the push channel
func newStore(ctx context.Context, config *Config, push bool) *wmsync.WorkflowStore {
	storage, err := newStorage(ctx, config)
	if err != nil {
		Err.Fatalf("storage: %s", err)
	}
	settings := wmsync.DefaultWorkflowStoreSettings()
	if push {
		settings.PushUrl = config.PushUrl
	}
	api := wmsync.NewWorkflowManagerApiWithDefaults(config.ApiUrl)
	store, err := wmsync.NewWorkflowStore(ctx, api, storage, settings)
	if err != nil {
		Err.Fatalf("store: %s", err)
	}
	return store
}

func requireInt(opts docopt.Opts, key string) int {
	valueStr, _ := opts.String(key)
	value, err := strconv.Atoi(valueStr)
	if err != nil {
		Err.Fatalf("%s must be an integer: %s", key, valueStr)
	}
	return value
}

func login(ctx context.Context, config *Config, opts docopt.Opts) {
	store := newStore(ctx, config, false)
	defer store.Close()

	var clientId wmsync.Id
	if clientIdStr, err := opts.String("--client_id"); err == nil && clientIdStr != "" {
		clientId, err = wmsync.ParseId(clientIdStr)
		if err != nil {
			Err.Fatalf("client id must be a uuid: %s", err)
		}
	} else {
		clientId = wmsync.NewId()
	}
	var userId wmsync.Id
	if userIdStr, err := opts.String("--user_id"); err == nil && userIdStr != "" {
		userId, err = wmsync.ParseId(userIdStr)
		if err != nil {
			Err.Fatalf("user id must be a uuid: %s", err)
		}
	}

	identity, err := store.SetIdentity(ctx, clientId, userId)
	if err != nil {
		Err.Fatalf("login: %s", err)
	}
	Out.Printf("client_id: %s\n", identity.ClientId)
	Out.Printf("user_id: %s\n", identity.UserId)
}

func logout(ctx context.Context, config *Config) {
	store := newStore(ctx, config, false)
	defer store.Close()

	if err := store.Logout(ctx); err != nil {
		Err.Fatalf("logout: %s", err)
	}
}

func sessions(ctx context.Context, config *Config, opts docopt.Opts) {
	store := newStore(ctx, config, false)
	defer store.Close()

	if removeStr, err := opts.String("--remove"); err == nil && removeStr != "" {
		clientId, err := wmsync.ParseId(removeStr)
		if err != nil {
			Err.Fatalf("client id must be a uuid: %s", err)
		}
		if err := store.Session().RemoveRegisteredSession(ctx, clientId); err != nil {
			Err.Fatalf("remove: %s", err)
		}
	}

	identity, loggedIn := store.Session().Identity()
	for _, clientId := range store.Session().RegisteredSessions() {
		marker := " "
		if loggedIn && clientId == identity.ClientId {
			marker = "*"
		}
		Out.Printf("%s %s\n", marker, clientId)
	}
}

func workflows(ctx context.Context, config *Config) {
	store := newStore(ctx, config, false)
	defer store.Close()

	if err := store.LoadWorkflows(ctx); err != nil {
		Err.Fatalf("workflows: %s", err)
	}
	for _, workflow := range store.Cache().Workflows() {
		Out.Printf("%6d  %s  %s\n", workflow.Id, fitName(workflow.Name), workflow.UpdateTime.Format(time.RFC3339))
	}
}

func workflow(ctx context.Context, config *Config, opts docopt.Opts) {
	workflowId := requireInt(opts, "<workflow_id>")

	store := newStore(ctx, config, false)
	defer store.Close()

	loads := []func() error{
		func() error { return store.LoadWorkflow(ctx, workflowId) },
		func() error { return store.LoadStates(ctx, workflowId) },
	}
	for _, load := range loads {
		if err := load(); err != nil {
			Err.Fatalf("workflow %d: %s", workflowId, err)
		}
	}
	for _, stateId := range store.Cache().StatesByWorkflow(workflowId) {
		if err := store.LoadEntitiesByState(ctx, stateId); err != nil {
			Err.Fatalf("state %d: %s", stateId, err)
		}
	}
	printWorkflow(store, workflowId)
}

func printWorkflow(store *wmsync.WorkflowStore, workflowId int) {
	cache := store.Cache()
	workflow, ok := cache.Workflow(workflowId)
	if !ok {
		Out.Printf("workflow %d not loaded\n", workflowId)
		return
	}
	Out.Printf("%d %s\n", workflow.Id, fitName(workflow.Name))
	for name, attribute := range cache.Attributes(wmsync.RefTypeWorkflow, workflowId) {
		if description, ok := cache.AttributeDescription(workflowId, wmsync.RefTypeWorkflow, name); ok {
			Out.Printf("    %s = %v\n", name, attribute.Value(description.AttrType))
		}
	}
	for _, stateId := range cache.StatesByWorkflow(workflowId) {
		state, _ := cache.WorkflowState(stateId)
		initial := ""
		if workflow.InitialStateId != nil && *workflow.InitialStateId == stateId {
			initial = " (initial)"
		}
		Out.Printf("  %d %s%s\n", state.Id, fitName(state.Name), initial)
		for _, rule := range state.ChangeRules {
			Out.Printf("    -> %d when %s\n", rule.ToId, strings.Join(rule.Expressions, " && "))
		}
		for _, entityId := range cache.EntitiesByState(stateId) {
			entity, _ := cache.WorkflowEntity(entityId)
			Out.Printf("    %6d  %s\n", entity.Id, fitName(entity.Name))
		}
	}
}

func createWorkflow(ctx context.Context, config *Config, opts docopt.Opts) {
	name, _ := opts.String("--name")

	store := newStore(ctx, config, false)
	defer store.Close()

	workflow, err := store.CreateWorkflow(ctx, &wmsync.RequestNewWorkflow{Name: name})
	if err != nil {
		Err.Fatalf("create workflow: %s", err)
	}
	Out.Printf("%d\n", workflow.Id)
}

func createEntity(ctx context.Context, config *Config, opts docopt.Opts) {
	workflowId := requireInt(opts, "<workflow_id>")
	name, _ := opts.String("--name")

	store := newStore(ctx, config, false)
	defer store.Close()

	entity, err := store.CreateEntity(ctx, workflowId, &wmsync.RequestNewWorkflowEntity{Name: name})
	if err != nil {
		Err.Fatalf("create entity: %s", err)
	}
	Out.Printf("%d state=%d\n", entity.Id, entity.CurrentStateId)
}

func move(ctx context.Context, config *Config, opts docopt.Opts) {
	entityId := requireInt(opts, "<entity_id>")
	stateId := requireInt(opts, "<state_id>")

	store := newStore(ctx, config, false)
	defer store.Close()

	change, err := store.MoveEntity(ctx, entityId, stateId)
	if err != nil {
		Err.Fatalf("move: %s", err)
	}
	Out.Printf("%d: %s -> %s\n", change.Entity.Id, fitName(change.From.Name), fitName(change.To.Name))
}

// prints cache changes pushed by other clients
func watch(ctx context.Context, config *Config, opts docopt.Opts) {
	if durationStr, err := opts.String("--duration"); err == nil && durationStr != "" {
		duration, err := time.ParseDuration(durationStr)
		if err != nil {
			Err.Fatalf("duration: %s", err)
		}
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, duration)
		defer cancel()
	}

	store := newStore(ctx, config, true)
	defer store.Close()

	store.Cache().AddChangeCallback(func(changes []wmsync.CacheChange) {
		for _, change := range changes {
			switch change.Type {
			case wmsync.CacheChangeEntity:
				if entity, ok := store.Cache().Get(change.Kind, change.Id); ok {
					Out.Printf("%s %s %d updated %s\n", time.Now().Format(time.RFC3339), change.Kind, change.Id, entity.LastUpdateTime().Format(time.RFC3339))
				}
			case wmsync.CacheChangeAttribute:
				Out.Printf("%s %s %d attribute %s\n", time.Now().Format(time.RFC3339), change.Kind, change.Id, change.Name)
			case wmsync.CacheChangeAttributeDescription:
				Out.Printf("%s workflow %d description %s\n", time.Now().Format(time.RFC3339), change.Id, change.Name)
			}
		}
	})

	if _, err := opts.String("<workflow_id>"); err == nil {
		workflowId := requireInt(opts, "<workflow_id>")
		if err := store.FocusWorkflow(workflowId); err != nil {
			Err.Fatalf("watch: %s", err)
		}
		if err := store.LoadWorkflow(ctx, workflowId); err != nil {
			Err.Fatalf("watch: %s", err)
		}
		if err := store.LoadStates(ctx, workflowId); err != nil {
			Err.Fatalf("watch: %s", err)
		}
	} else {
		if err := store.FocusWorkflowList(); err != nil {
			Err.Fatalf("watch: %s", err)
		}
		if err := store.LoadWorkflows(ctx); err != nil {
			Err.Fatalf("watch: %s", err)
		}
	}

	<-ctx.Done()
}

// truncates names to the terminal width share of a name column
func fitName(name string) string {
	maxLen := wmsync.EntityMaxNameLength
	if term.IsTerminal(int(os.Stdout.Fd())) {
		if width, _, err := term.GetSize(int(os.Stdout.Fd())); err == nil && width/2 < maxLen {
			maxLen = width / 2
		}
	}
	return truncateName(name, maxLen)
}

// `maxLen` counts runes, so multi-byte names are never cut mid character
func truncateName(name string, maxLen int) string {
	if maxLen < 4 || utf8.RuneCountInString(name) <= maxLen {
		return name
	}
	runes := []rune(name)
	return string(runes[:maxLen-3]) + "..."
}
