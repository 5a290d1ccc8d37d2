package cmd

import (
	"context"

	"github.com/abdul-hamid-achik/kestrel/packages/core/config"
	"github.com/abdul-hamid-achik/kestrel/packages/core/runner"
	"github.com/abdul-hamid-achik/kestrel/packages/core/suite"
)

// discoverPaths loads the suites under paths and builds the run plan
// without executing anything.
func discoverPaths(ctx context.Context, paths []string, filter runner.Filter) (*runner.Discovery, error) {
	cfg, err := config.LoadConfig(configFlag)
	if err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}
	runCfg, err := runner.ConfigFrom(cfg)
	if err != nil {
		return nil, withExitCode(ExitConfigError, err)
	}
	runCfg.Filter = filter

	catalog, _, err := suite.LoadPaths(paths)
	if err != nil {
		return nil, withExitCode(ExitDiscoveryError, err)
	}
	disc, err := runner.NewRunner(runCfg).Discover(ctx, catalog)
	if err != nil {
		return nil, withExitCode(ExitDiscoveryError, err)
	}
	return disc, nil
}
