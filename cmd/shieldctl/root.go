// shieldctl: операторская утилита AgenShield.
//
//	# Спросить демона о решении
//	shieldctl check file_read /workspace/.env --agent a1 --session s1
//
//	# Собрать профиль песочницы из YAML
//	shieldctl profile compile -f sandbox.yaml
//
//	# Связать две политики ребром
//	shieldctl graph edge add --from <node> --to <node> --effect deny --lifetime session
//
//	# Выпустить токен брокеру
//	shieldctl token issue --broker laptop-1 --scope policy_check --scope events
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"github.com/xela07ax/agenshield/internal/infra"
	"github.com/xela07ax/agenshield/internal/protocol"
)

type globalFlags struct {
	configFile string
	rpcURL     string
	token      string
	format     string
}

// cli хранит общие флаги и лениво загруженный конфиг для всех подкоманд
type cli struct {
	flags globalFlags
	cfg   *infra.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}
	root := &cobra.Command{
		Use:   "shieldctl",
		Short: "AgenShield operator tool",
		Long: `shieldctl talks to the AgenShield daemon over /rpc and to the control plane over Redis.

It checks decisions, compiles sandbox profiles, edits the policy graph,
issues broker tokens and sends lifecycle signals.`,
		SilenceUsage: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&c.flags.configFile, "config", "c", "", "config file path (default ./config.yaml, env AGENSHIELD_CONFIG)")
	pf.StringVar(&c.flags.rpcURL, "rpc", "", "daemon /rpc url (default broker.daemon_url)")
	pf.StringVar(&c.flags.token, "token", "", "bearer token (default auth.token)")
	pf.StringVar(&c.flags.format, "format", "text", "output format: text, json")

	root.AddCommand(
		c.checkCmd(),
		c.profileCmd(),
		c.graphCmd(),
		c.tokenCmd(),
		c.policyCmd(),
		c.lifecycleCmd(),
	)
	return root
}

func (c *cli) config() (*infra.Config, error) {
	if c.cfg != nil {
		return c.cfg, nil
	}
	path := c.flags.configFile
	if path == "" {
		path = os.Getenv("AGENSHIELD_CONFIG")
	}
	cfg, err := infra.LoadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	c.cfg = cfg
	return cfg, nil
}

func (c *cli) client() (*protocol.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	url := c.flags.rpcURL
	if url == "" {
		url = cfg.Broker.DaemonURL
	}
	token := c.flags.token
	if token == "" {
		token = cfg.Auth.Token
	}
	return protocol.NewClient(url, protocol.WithToken(token)), nil
}

func (c *cli) redis() (*redis.Client, error) {
	cfg, err := c.config()
	if err != nil {
		return nil, err
	}
	if cfg.Redis.Addr == "" {
		return nil, fmt.Errorf("redis.addr is not configured")
	}
	return redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB}), nil
}

// print выводит v как JSON либо через text
func (c *cli) print(w io.Writer, v any, text func(io.Writer)) error {
	if c.flags.format == "json" || text == nil {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(v)
	}
	text(w)
	return nil
}
