/**
 * @description
 * This package handles the configuration management for the service. It uses the
 * Viper library to read configuration from environment variables, providing a
 * centralized and straightforward way to manage application settings.
 *
 * @dependencies
 * - github.com/spf13/viper: A popular library for Go application configuration.
 */

package config

import (
	"log"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/spf13/viper"
)

// Config holds all the configuration variables for the settlement-service.
// These values are loaded from environment variables.
type Config struct {
	ServerPort                string `mapstructure:"SERVER_PORT"`
	DatabaseURL               string `mapstructure:"DATABASE_URL"`
	RedisURL                  string `mapstructure:"REDIS_URL"`
	RedisRateLimitPrefix      string `mapstructure:"REDIS_RATE_LIMIT_PREFIX"`
	RabbitMQURL               string `mapstructure:"RABBITMQ_URL"`
	PartnerAPIBaseURL         string `mapstructure:"PARTNER_API_BASE_URL"`
	PartnerAPIKey             string `mapstructure:"PARTNER_API_KEY"`
	PartnerAgentCode          string `mapstructure:"PARTNER_AGENT_CODE"`
	GatewayWebhookKey         string `mapstructure:"GATEWAY_WEBHOOK_KEY"`
	ClerkJWKSURL              string `mapstructure:"CLERK_JWKS_URL"`
	AnchorTimezone            string `mapstructure:"ANCHOR_TIMEZONE"`
	EligibilityMinAmountCents int64  `mapstructure:"ELIGIBILITY_MIN_AMOUNT_CENTS"`
	BeneficiaryGapHours       int    `mapstructure:"BENEFICIARY_GAP_HOURS"`
	RedeemRateLimitPerMinute  int    `mapstructure:"REDEEM_RATE_LIMIT_PER_MINUTE"`
}

// LoadConfig reads configuration from environment variables from the given path.
// It uses Viper to automatically bind environment variables to the Config struct.
func LoadConfig(path string) (config Config, err error) {
	// Tell viper the path to look for the optional .env file.
	viper.AddConfigPath(path)
	viper.SetConfigName(".env")
	viper.SetConfigType("env")

	// Enable automatic binding of environment variables.
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// Set default values
	viper.SetDefault("SERVER_PORT", "8080")
	viper.SetDefault("REDIS_RATE_LIMIT_PREFIX", "mercii:rate_limit")
	viper.SetDefault("ANCHOR_TIMEZONE", "America/New_York")
	viper.SetDefault("ELIGIBILITY_MIN_AMOUNT_CENTS", 10000)
	viper.SetDefault("BENEFICIARY_GAP_HOURS", 24)
	viper.SetDefault("REDEEM_RATE_LIMIT_PER_MINUTE", 30)

	// Bind environment variables explicitly to ensure they appear in Unmarshal
	_ = viper.BindEnv("SERVER_PORT")
	_ = viper.BindEnv("PORT")
	_ = viper.BindEnv("DATABASE_URL")
	_ = viper.BindEnv("REDIS_URL", "REDIS_URL", "SETTLEMENT_REDIS_URL")
	_ = viper.BindEnv("REDIS_RATE_LIMIT_PREFIX")
	_ = viper.BindEnv("RABBITMQ_URL")
	_ = viper.BindEnv("PARTNER_API_BASE_URL")
	_ = viper.BindEnv("PARTNER_API_KEY")
	_ = viper.BindEnv("PARTNER_AGENT_CODE")
	_ = viper.BindEnv("GATEWAY_WEBHOOK_KEY")
	_ = viper.BindEnv("CLERK_JWKS_URL")
	_ = viper.BindEnv("ANCHOR_TIMEZONE")
	_ = viper.BindEnv("ELIGIBILITY_MIN_AMOUNT_CENTS")
	_ = viper.BindEnv("ELIGIBILITY_MIN_AMOUNT")
	_ = viper.BindEnv("BENEFICIARY_GAP_HOURS")
	_ = viper.BindEnv("REDEEM_RATE_LIMIT_PER_MINUTE")

	// Attempt to read the config file. It's okay if it doesn't exist.
	if err = viper.ReadInConfig(); err != nil {
		// If the config file is not found, we can ignore the error.
		// For other errors, we should return them.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Printf("level=warn component=config msg=\"failed to read config file; using environment values\" err=%v", err)
		}
	}

	// Unmarshal the configuration into the Config struct.
	err = viper.Unmarshal(&config)
	if err != nil {
		return
	}

	if port := strings.TrimSpace(os.Getenv("PORT")); port != "" {
		config.ServerPort = port
	}
	config.RedisURL = strings.TrimSpace(config.RedisURL)
	config.RedisRateLimitPrefix = strings.TrimSpace(config.RedisRateLimitPrefix)
	if config.RedisRateLimitPrefix == "" {
		config.RedisRateLimitPrefix = "mercii:rate_limit"
	}
	config.AnchorTimezone = strings.TrimSpace(config.AnchorTimezone)
	if config.AnchorTimezone == "" {
		config.AnchorTimezone = "America/New_York"
	}

	// Allow specifying the threshold in whole currency units via ELIGIBILITY_MIN_AMOUNT.
	if viper.IsSet("ELIGIBILITY_MIN_AMOUNT") {
		amountStr := strings.TrimSpace(viper.GetString("ELIGIBILITY_MIN_AMOUNT"))
		if amountStr != "" {
			amountValue, parseErr := strconv.ParseFloat(amountStr, 64)
			if parseErr != nil {
				log.Printf("level=warn component=config msg=\"invalid ELIGIBILITY_MIN_AMOUNT\" value=%q err=%v", amountStr, parseErr)
			} else {
				config.EligibilityMinAmountCents = int64(math.Round(amountValue * 100))
			}
		}
	}

	if config.EligibilityMinAmountCents < 0 {
		log.Printf("level=warn component=config msg=\"negative eligibility threshold configured; coercing to zero\" amount_cents=%d", config.EligibilityMinAmountCents)
		config.EligibilityMinAmountCents = 0
	}
	if config.BeneficiaryGapHours <= 0 {
		config.BeneficiaryGapHours = 24
	}
	if config.RedeemRateLimitPerMinute <= 0 {
		config.RedeemRateLimitPerMinute = 30
	}

	return
}
