package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// applyEnvironmentOverrides updates c from SECRETDROP_* variables.
func applyEnvironmentOverrides(c *Config) {
	parseListSetting(EnvRelays, &c.Relays)
	parseListSetting(EnvCloudEndpoints, &c.CloudEndpoints)
	parseListSetting(EnvSTUNServers, &c.STUNServers)
	if v := strings.TrimSpace(os.Getenv(EnvRendezvousURL)); v != "" {
		c.RendezvousURL = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvLogLevel)); v != "" {
		if _, err := logrus.ParseLevel(v); err != nil {
			warnUnparsable("applyEnvironmentOverrides", EnvLogLevel, v, err, c.LogLevel)
		} else {
			c.LogLevel = v
		}
	}

	parseIntSetting(EnvChunkSize, &c.ChunkSize, MinChunkSize, MaxChunkSize)
	parseIntSetting(EnvInlineLimit, &c.InlineLimit, 0, MaxInlineLimit)
	parseIntSetting(EnvRetryAttempts, &c.RetryAttempts, MinRetryAttempts, MaxRetryAttempts)
	parseDurationSetting(EnvEnvelopeTTL, &c.EnvelopeTTL, MinEnvelopeTTL, MaxEnvelopeTTL)
	parseDurationSetting(EnvNegotiationTimeout, &c.NegotiationTimeout, MinNegotiationTimeout, MaxNegotiationTimeout)
	parseDurationSetting(EnvCompletionTimeout, &c.CompletionTimeout, MinCompletionTimeout, MaxCompletionTimeout)
	parseDurationSetting(EnvIdleTimeout, &c.IdleTimeout, MinIdleTimeout, MaxIdleTimeout)
	parseRateSetting(EnvRelayChunkRate, &c.RelayChunkRate)
}

// parseListSetting replaces dst with the comma-separated entries of name.
func parseListSetting(name string, dst *[]string) {
	raw := os.Getenv(name)
	if strings.TrimSpace(raw) == "" {
		return
	}
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	*dst = out
}

func parseIntSetting(name string, dst *int, min, max int) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		warnUnparsable("parseIntSetting", name, raw, err, *dst)
		return
	}
	if v < min || v > max {
		warnOutOfBounds("parseIntSetting", name, v, min, max, *dst)
		return
	}
	*dst = v
}

func parseDurationSetting(name string, dst *time.Duration, min, max time.Duration) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := time.ParseDuration(raw)
	if err != nil {
		warnUnparsable("parseDurationSetting", name, raw, err, dst.String())
		return
	}
	if v < min || v > max {
		warnOutOfBounds("parseDurationSetting", name, v.String(), min.String(), max.String(), dst.String())
		return
	}
	*dst = v
}

func parseRateSetting(name string, dst *float64) {
	raw := os.Getenv(name)
	if raw == "" {
		return
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		warnUnparsable("parseRateSetting", name, raw, err, *dst)
		return
	}
	if v < MinRelayChunkRate || v > MaxRelayChunkRate {
		warnOutOfBounds("parseRateSetting", name, v, MinRelayChunkRate, MaxRelayChunkRate, *dst)
		return
	}
	*dst = v
}

func warnUnparsable(function, name, value string, err error, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    function,
		"env_var":     name,
		"value":       value,
		"error":       err.Error(),
		"using_value": using,
	}).Warn("Failed to parse environment variable, using default")
}

func warnOutOfBounds(function, name string, value, min, max, using interface{}) {
	logrus.WithFields(logrus.Fields{
		"function":    function,
		"env_var":     name,
		"value":       value,
		"min":         min,
		"max":         max,
		"using_value": using,
	}).Warn("Environment variable out of bounds, using default")
}
