package main

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"fleetpilot.ai/internal/persistence/r2s3"
)

// buildMirror returns nil unless LEDGERSIM_R2_MIRROR is true.
func buildMirror(dataDir string, getenv func(string) string, logger *slog.Logger) (*r2s3.Mirror, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	if on, _ := strconv.ParseBool(strings.TrimSpace(getenv("LEDGERSIM_R2_MIRROR"))); !on {
		return nil, nil
	}
	creds := r2s3.Credentials{
		Endpoint:        getenv("LEDGERSIM_R2_ENDPOINT"),
		Bucket:          getenv("LEDGERSIM_R2_BUCKET"),
		Region:          strings.TrimSpace(getenv("LEDGERSIM_R2_REGION")),
		AccessKeyID:     getenv("LEDGERSIM_R2_ACCESS_KEY_ID"),
		SecretAccessKey: getenv("LEDGERSIM_R2_SECRET_ACCESS_KEY"),
	}
	client, err := r2s3.New(creds)
	if err != nil {
		return nil, fmt.Errorf("LEDGERSIM_R2_MIRROR=true: %w", err)
	}
	workers, _ := strconv.Atoi(getenv("LEDGERSIM_R2_UPLOAD_WORKERS"))
	return r2s3.NewMirror(client, r2s3.MirrorOptions{
		BaseDir: dataDir,
		Prefix:  getenv("LEDGERSIM_R2_PREFIX"),
		Workers: workers,
		Logger:  logger,
	}), nil
}
