package cmd

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"time"

	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/ec2/imds"
	"github.com/fulmenhq/gofulmen/crucible"
	"github.com/fulmenhq/gofulmen/foundry"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/3leaps/gofielding/internal/config"
	errwrap "github.com/3leaps/gofielding/internal/errors"
	"github.com/3leaps/gofielding/internal/observability"
	"github.com/3leaps/gofielding/pkg/ledger"
)

var (
	doctorProvider string
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Run diagnostic checks",
	Long: `Run diagnostic checks on the environment, the configuration and the ledger,
and suggest fixes for common issues.

Examples:
  gofielding doctor                # Environment, config and ledger
  gofielding doctor --provider s3  # Also check credentials for an S3 blob store`,
	Run: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
	doctorCmd.Flags().StringVar(&doctorProvider, "provider", "", "Run provider-specific checks (s3)")
}

func runDoctor(cmd *cobra.Command, args []string) {
	identity := GetAppIdentity()
	bannerName := "doctor"
	if identity != nil && identity.BinaryName != "" {
		bannerName = identity.BinaryName + " doctor"
	}
	observability.CLILogger.Info("=== " + bannerName + " ===")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("Running diagnostic checks...")
	observability.CLILogger.Info("")

	allChecks := true
	checkNum := 1
	totalChecks := 7

	if doctorProvider == "s3" {
		totalChecks = 10
	}

	// Check 1: Go version
	goVersion := runtime.Version()
	if goVersion >= "go1.23" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Go version... ✅ %s", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
	} else {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking Go version... ⚠️  %s (recommended: go1.23+)", checkNum, totalChecks, goVersion),
			zap.String("go_version", goVersion))
		allChecks = false
	}
	checkNum++

	// Check 2: Crucible access
	version := crucible.GetVersion()
	if version.Crucible != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Crucible access... ✅ v%s", checkNum, totalChecks, version.Crucible),
			zap.String("crucible_version", version.Crucible))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Crucible access... ❌ Cannot access Crucible", checkNum, totalChecks))
		ExitWithCode(observability.CLILogger, foundry.ExitExternalServiceUnavailable, "Cannot access Crucible",
			errwrap.NewExternalServiceError("Crucible service unavailable"))
		allChecks = false
	}
	checkNum++

	// Check 3: Gofulmen access
	if version.Gofulmen != "" {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ✅ v%s", checkNum, totalChecks, version.Gofulmen),
			zap.String("gofulmen_version", version.Gofulmen))
	} else {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking Gofulmen access... ❌ Cannot access Gofulmen", checkNum, totalChecks))
		allChecks = false
	}
	checkNum++

	// Check 4: Config directory
	configDir, err := os.UserConfigDir()
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking config directory... ❌ Cannot find config directory", checkNum, totalChecks),
			zap.Error(err))
		ExitWithCode(observability.CLILogger, foundry.ExitFileNotFound, "Cannot find config directory",
			errwrap.WrapInternal(cmd.Context(), err, "Cannot find config directory"))
		allChecks = false
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking config directory... ✅ %s", checkNum, totalChecks, configDir),
			zap.String("config_dir", configDir))
	}
	checkNum++

	// Check 5: Environment
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking environment... ✅ %s/%s", checkNum, totalChecks, runtime.GOOS, runtime.GOARCH),
		zap.String("os", runtime.GOOS),
		zap.String("arch", runtime.GOARCH))
	checkNum++

	// Check 6: Configuration
	ctx := commandContext(cmd)
	cfg, err := loadConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking configuration... ❌ Invalid configuration", checkNum, totalChecks),
			zap.Error(err))
		allChecks = false
		checkNum += 2
	} else {
		observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking configuration... ✅ team %s", checkNum, totalChecks, cfg.Team.SelfName),
			zap.String("self_team", cfg.Team.SelfName),
			zap.String("blobs_provider", cfg.Blobs.Provider))
		checkNum++

		// Check 7: Ledger
		if ok := checkLedger(ctx, cfg, checkNum, totalChecks); !ok {
			allChecks = false
		}
		checkNum++
	}

	// S3-specific checks
	if doctorProvider == "s3" {
		allChecks = runS3Checks(ctx, checkNum, totalChecks, allChecks)
	}

	observability.CLILogger.Info("")
	if allChecks {
		observability.CLILogger.Info(fmt.Sprintf("✅ All checks passed! Your %s installation is healthy.", bannerName))
	} else {
		observability.CLILogger.Warn("⚠️  Some checks failed. Review the output above for details.")
	}
	observability.CLILogger.Info("")
	observability.CLILogger.Info("=== End Diagnostics ===")
}

// checkLedger opens the ledger without migrating and reports its schema
// version and the current round.
func checkLedger(ctx context.Context, cfg *config.Config, checkNum, totalChecks int) bool {
	db, err := openLedger(ctx, cfg)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking ledger... ❌ Cannot open ledger", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	defer func() { _ = db.Close() }()

	version, err := ledger.CurrentSchemaVersion(ctx, db)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking ledger... ❌ Cannot read schema version", checkNum, totalChecks),
			zap.Error(err))
		return false
	}
	if version == 0 {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking ledger... ⚠️  Not initialized (run 'gofielding db create')", checkNum, totalChecks))
		return false
	}

	round := "none"
	if r, err := ledger.CurrentRound(ctx, db, time.Now()); err == nil {
		round = fmt.Sprintf("%d", r.Num)
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking ledger... ✅ schema v%d, current round %s", checkNum, totalChecks, version, round),
		zap.Int("schema_version", version),
		zap.String("current_round", round))
	return true
}

// runS3Checks runs S3-specific diagnostic checks.
func runS3Checks(ctx context.Context, checkNum, totalChecks int, allChecks bool) bool {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("S3 Provider Checks:")

	// AWS credentials
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot load AWS config", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	creds, err := cfg.Credentials.Retrieve(ctx)
	if err != nil {
		observability.CLILogger.Error(fmt.Sprintf("[%d/%d] Checking AWS credentials... ❌ Cannot retrieve credentials", checkNum, totalChecks),
			zap.Error(err))
		printAWSCredentialsHelp()
		return false
	}

	// Mask the access key for display
	maskedKey := maskAccessKey(creds.AccessKeyID)
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking AWS credentials... ✅ Found credentials", checkNum, totalChecks),
		zap.String("access_key", maskedKey),
		zap.String("source", creds.Source))
	checkNum++

	// Credential source info
	source := creds.Source
	if source == "" {
		source = "unknown"
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking credential source... ✅ %s", checkNum, totalChecks, source),
		zap.String("credential_source", source))
	checkNum++

	// Region
	region := cfg.Region
	origin := "config"
	if region == "" {
		region, origin = imdsRegion(ctx), "instance metadata"
	}
	if region == "" {
		observability.CLILogger.Warn(fmt.Sprintf("[%d/%d] Checking region... ⚠️  No region configured (set blobs.region or AWS_REGION)", checkNum, totalChecks))
		return false
	}
	observability.CLILogger.Info(fmt.Sprintf("[%d/%d] Checking region... ✅ %s (%s)", checkNum, totalChecks, region, origin),
		zap.String("region", region))

	return allChecks
}

// imdsRegion asks the EC2 instance metadata service for the region. Off EC2
// the call fails fast and the empty string is returned.
func imdsRegion(ctx context.Context) string {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	out, err := imds.New(imds.Options{}).GetRegion(ctx, &imds.GetRegionInput{})
	if err != nil {
		return ""
	}
	return out.Region
}

// maskAccessKey masks all but the last 4 characters of an access key.
func maskAccessKey(key string) string {
	if len(key) <= 4 {
		return "****"
	}
	return "****" + key[len(key)-4:]
}

// printAWSCredentialsHelp prints help for configuring AWS credentials.
func printAWSCredentialsHelp() {
	observability.CLILogger.Info("")
	observability.CLILogger.Info("To configure AWS credentials:")
	observability.CLILogger.Info("  1. Set AWS_ACCESS_KEY_ID and AWS_SECRET_ACCESS_KEY environment variables, or")
	observability.CLILogger.Info("  2. Run 'aws configure' to set up a profile, or")
	observability.CLILogger.Info("  3. Use IAM role when running on AWS infrastructure")
	observability.CLILogger.Info("")
	observability.CLILogger.Info("For S3-compatible storage (MinIO, Wasabi, etc.), also set:")
	observability.CLILogger.Info("  - blobs.endpoint and blobs.force_path_style in the config file")
	observability.CLILogger.Info("")
}
