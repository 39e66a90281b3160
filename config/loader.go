package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Load reads configuration from an optional file (JSON or YAML) merged over
// DefaultConfig, with STOCKWATCH_* environment variables taking priority.
// An empty path falls back to config.json/config.yaml in the working
// directory; a missing fallback file is not an error.
func Load(path string) (*Config, error) {
	v := viper.New()

	v.SetEnvPrefix("stockwatch")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !asConfigNotFound(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	cfg := DefaultConfig()
	cfg.BaseURL = getString(v, "base_url", cfg.BaseURL)
	cfg.ProductURLs = getStrings(v, "product_urls", cfg.ProductURLs)
	cfg.Pincodes = NormalizePincodes(getStrings(v, "pincodes", cfg.Pincodes))
	cfg.Mode = getString(v, "mode", cfg.Mode)
	cfg.Window = getString(v, "window", cfg.Window)
	cfg.UserAgent = getString(v, "user_agent", cfg.UserAgent)
	cfg.Timeout = getDuration(v, "timeout", cfg.Timeout)
	cfg.PageWait = getDuration(v, "page_wait", cfg.PageWait)
	cfg.StepWait = getDuration(v, "step_wait", cfg.StepWait)
	cfg.BlockBackoff = getDuration(v, "block_backoff", cfg.BlockBackoff)
	cfg.RequestDelay = getDuration(v, "request_delay", cfg.RequestDelay)
	cfg.RequestJitter = getDuration(v, "request_jitter", cfg.RequestJitter)
	cfg.StrategyOrder = getStrings(v, "strategy_order", cfg.StrategyOrder)
	cfg.FlowFile = getString(v, "flow_file", cfg.FlowFile)
	cfg.SessionFile = getString(v, "session_file", cfg.SessionFile)
	cfg.CheckViaDataAPI = getBool(v, "check_via_data_api", cfg.CheckViaDataAPI)
	cfg.StateFile = getString(v, "state_file", cfg.StateFile)
	cfg.LoopEvery = getDuration(v, "loop_every", cfg.LoopEvery)
	cfg.MetricsAddr = getString(v, "metrics_addr", cfg.MetricsAddr)
	cfg.Verbose = getBool(v, "verbose", cfg.Verbose)

	cfg.Telegram.BotToken = getString(v, "telegram_bot_token", cfg.Telegram.BotToken)
	cfg.Telegram.ChatID = getString(v, "telegram_chat_id", cfg.Telegram.ChatID)
	cfg.Telegram.TopicID = getString(v, "telegram_topic_id", cfg.Telegram.TopicID)
	cfg.Telegram.ErrorChatID = getString(v, "telegram_error_chat_id", cfg.Telegram.ErrorChatID)
	cfg.Telegram.SendScreenshot = getBool(v, "telegram_send_screenshot", cfg.Telegram.SendScreenshot)

	return cfg, nil
}

func asConfigNotFound(err error, target *viper.ConfigFileNotFoundError) bool {
	nf, ok := err.(viper.ConfigFileNotFoundError)
	if ok {
		*target = nf
	}
	return ok
}

func getString(v *viper.Viper, key, def string) string {
	if v.IsSet(key) {
		return v.GetString(key)
	}
	return def
}

func getStrings(v *viper.Viper, key string, def []string) []string {
	if v.IsSet(key) {
		return v.GetStringSlice(key)
	}
	return def
}

func getBool(v *viper.Viper, key string, def bool) bool {
	if v.IsSet(key) {
		return v.GetBool(key)
	}
	return def
}

func getDuration(v *viper.Viper, key string, def time.Duration) time.Duration {
	if v.IsSet(key) {
		return v.GetDuration(key)
	}
	return def
}
