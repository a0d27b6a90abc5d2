package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
)

var AppConfig Config

func InitConfig() {
	viper.AutomaticEnv()

	// Default config
	viper.SetDefault("HTTP_PORT", "8080")
	viper.SetDefault("ENABLE_HTTP", true)
	viper.SetDefault("LOG_LEVEL", "info")
	viper.SetDefault("INGEST_DB_PATH", "/app/data/ingest.db")
	viper.SetDefault("STAGING_DIR", "/app/data/staging")
	viper.SetDefault("PUBLISH_DIR", "/app/data/published")
	viper.SetDefault("HEIGHT_BUCKET_SIZE", 10000)
	viper.SetDefault("LINK_WORKERS", 4)
	viper.SetDefault("SNAPSHOT_START", "")
	viper.SetDefault("SNAPSHOT_END", "")
	viper.SetDefault("SNAPSHOT_TIMEZONE", "UTC")
	viper.SetDefault("SNAPSHOT_CLOSE_HHMM", "00:00")
	viper.SetDefault("COHORT_BOUNDARIES", "1,7,30,180,365")
	viper.SetDefault("PRICE_SYMBOL", "BTCUSD")
	viper.SetDefault("PRICE_FREQ", "1d")
	// PRICE_TOLERANCE deliberately has no default: the staleness window is
	// an explicit operator decision, never inferred.
	viper.SetDefault("PRICE_LOOKUP_TIMEOUT", "5s")
	viper.SetDefault("PRICE_RETRY_MAX", 3)
	viper.SetDefault("PRICE_RETRY_BACKOFF", "500ms")
	viper.SetDefault("QA_MAX_ORPHAN_RATIO", 0.0)
	viper.SetDefault("QA_MIN_PRICE_COVERAGE_PCT", 95.0)
	viper.SetDefault("QA_SUPPLY_TOLERANCE_SATS", 1)
	viper.SetDefault("QA_LIFESPAN_MAX_DAYS", 6000)
	viper.SetDefault("QA_MAX_REJECT_RATIO", 0.001)

	logLevel, err := logrus.ParseLevel(strings.ToLower(viper.GetString("LOG_LEVEL")))
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}

	priceTolerance := viper.GetString("PRICE_TOLERANCE")
	if priceTolerance == "" {
		logrus.Fatalf("PRICE_TOLERANCE is required (e.g. 36h); no default is inferred")
	}
	tolerance, err := time.ParseDuration(priceTolerance)
	if err != nil || tolerance <= 0 {
		logrus.Fatalf("Invalid PRICE_TOLERANCE %q: %v", priceTolerance, err)
	}

	cohortBoundaries, err := ParseCohortBoundaries(viper.GetString("COHORT_BOUNDARIES"))
	if err != nil {
		logrus.Fatalf("Invalid COHORT_BOUNDARIES: %v", err)
	}

	snapshotZone, err := time.LoadLocation(viper.GetString("SNAPSHOT_TIMEZONE"))
	if err != nil {
		logrus.Fatalf("Unknown SNAPSHOT_TIMEZONE %q: %v", viper.GetString("SNAPSHOT_TIMEZONE"), err)
	}

	closeHour, closeMinute, err := parseCloseHHMM(viper.GetString("SNAPSHOT_CLOSE_HHMM"))
	if err != nil {
		logrus.Fatalf("Invalid SNAPSHOT_CLOSE_HHMM: %v", err)
	}

	AppConfig = Config{
		HTTPPort:              viper.GetString("HTTP_PORT"),
		EnableHTTP:            viper.GetBool("ENABLE_HTTP"),
		IngestDbPath:          viper.GetString("INGEST_DB_PATH"),
		StagingDir:            viper.GetString("STAGING_DIR"),
		PublishDir:            viper.GetString("PUBLISH_DIR"),
		HeightBucketSize:      viper.GetInt64("HEIGHT_BUCKET_SIZE"),
		LinkWorkers:           viper.GetInt("LINK_WORKERS"),
		SnapshotStart:         viper.GetString("SNAPSHOT_START"),
		SnapshotEnd:           viper.GetString("SNAPSHOT_END"),
		SnapshotZone:          snapshotZone,
		SnapshotCloseHour:     closeHour,
		SnapshotCloseMinute:   closeMinute,
		CohortBoundaries:      cohortBoundaries,
		PriceSymbol:           viper.GetString("PRICE_SYMBOL"),
		PriceFreq:             viper.GetString("PRICE_FREQ"),
		PriceTolerance:        tolerance,
		PriceLookupTimeout:    viper.GetDuration("PRICE_LOOKUP_TIMEOUT"),
		PriceRetryMax:         viper.GetInt("PRICE_RETRY_MAX"),
		PriceRetryBackoff:     viper.GetDuration("PRICE_RETRY_BACKOFF"),
		QAMaxOrphanRatio:      viper.GetFloat64("QA_MAX_ORPHAN_RATIO"),
		QAMinPriceCoveragePct: viper.GetFloat64("QA_MIN_PRICE_COVERAGE_PCT"),
		QASupplyToleranceSats: viper.GetInt64("QA_SUPPLY_TOLERANCE_SATS"),
		QALifespanMaxDays:     viper.GetInt("QA_LIFESPAN_MAX_DAYS"),
		QAMaxRejectRatio:      viper.GetFloat64("QA_MAX_REJECT_RATIO"),
		LogLevel:              logLevel,
	}

	if AppConfig.HeightBucketSize <= 0 {
		logrus.Warnf("HEIGHT_BUCKET_SIZE %d is invalid, set to 10000", AppConfig.HeightBucketSize)
		AppConfig.HeightBucketSize = 10000
	}
	if AppConfig.LinkWorkers < 1 {
		AppConfig.LinkWorkers = 1
	}
	if AppConfig.QASupplyToleranceSats < 0 {
		logrus.Fatalf("QA_SUPPLY_TOLERANCE_SATS must be >= 0")
	}

	logrus.Infof("Init config, PriceTolerance %v, HeightBucketSize %d, CohortBoundaries %v",
		AppConfig.PriceTolerance, AppConfig.HeightBucketSize, AppConfig.CohortBoundaries)

	logrus.SetOutput(os.Stdout)
	logrus.SetLevel(AppConfig.LogLevel)
}

type Config struct {
	HTTPPort              string
	EnableHTTP            bool
	IngestDbPath          string
	StagingDir            string
	PublishDir            string
	HeightBucketSize      int64
	LinkWorkers           int
	SnapshotStart         string
	SnapshotEnd           string
	SnapshotZone          *time.Location
	SnapshotCloseHour     int
	SnapshotCloseMinute   int
	CohortBoundaries      []int
	PriceSymbol           string
	PriceFreq             string
	PriceTolerance        time.Duration
	PriceLookupTimeout    time.Duration
	PriceRetryMax         int
	PriceRetryBackoff     time.Duration
	QAMaxOrphanRatio      float64
	QAMinPriceCoveragePct float64
	QASupplyToleranceSats int64
	QALifespanMaxDays     int
	QAMaxRejectRatio      float64
	LogLevel              logrus.Level
}

// ParseCohortBoundaries parses a comma-separated ascending list of day
// boundaries, e.g. "1,7,30,180,365".
func ParseCohortBoundaries(raw string) ([]int, error) {
	parts := strings.Split(raw, ",")
	boundaries := make([]int, 0, len(parts))
	prev := 0
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		days, err := strconv.Atoi(part)
		if err != nil {
			return nil, err
		}
		if days <= prev {
			return nil, &boundaryOrderError{raw: raw}
		}
		boundaries = append(boundaries, days)
		prev = days
	}
	if len(boundaries) == 0 {
		return nil, &boundaryOrderError{raw: raw}
	}
	return boundaries, nil
}

type boundaryOrderError struct {
	raw string
}

func (e *boundaryOrderError) Error() string {
	return "cohort boundaries must be a non-empty ascending list of days, got " + strconv.Quote(e.raw)
}

func parseCloseHHMM(raw string) (int, int, error) {
	parsed, err := time.Parse("15:04", raw)
	if err != nil {
		return 0, 0, err
	}
	return parsed.Hour(), parsed.Minute(), nil
}
