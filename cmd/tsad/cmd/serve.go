/*
Copyright (c) Facebook, Inc. and its affiliates.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	syscall "golang.org/x/sys/unix"

	"github.com/veritime/tsad/clock"
	"github.com/veritime/tsad/config"
	"github.com/veritime/tsad/server"
	"github.com/veritime/tsad/signer"
	"github.com/veritime/tsad/tsa"
)

// shutdownGrace bounds how long outstanding requests may finish after a
// termination signal.
const shutdownGrace = 5 * time.Second

func init() {
	RootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the time-stamp authority",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := runServe(); err != nil {
			log.Fatal(err)
		}
	},
}

func runServe() error {
	cfg, err := config.Load(AppName())
	if err != nil {
		return fmt.Errorf("configuration: %w", err)
	}
	if cfg.Limits.AvailableParallelism > 0 {
		runtime.GOMAXPROCS(cfg.Limits.AvailableParallelism)
	}

	keeper, err := clock.NewKeeper(clock.KeeperConfig{
		NTPHost:                 cfg.Time.NTPHost,
		Timeout:                 time.Duration(cfg.Time.Timeout) * time.Microsecond,
		DeclaredAccuracyMicros:  cfg.Time.Accuracy,
		SyncInterval:            time.Duration(cfg.Time.Interval) * time.Microsecond,
		TolerableAccuracyMicros: cfg.Time.Tolerance,
		QueryEveryRequest:       cfg.Time.Always,
	})
	if err != nil {
		return fmt.Errorf("timekeeper: %w", err)
	}

	signatureOID, err := cfg.Sign.SignatureOID()
	if err != nil {
		return fmt.Errorf("sign.signature: %w", err)
	}
	digestOID, err := cfg.Sign.DigestOID()
	if err != nil {
		return fmt.Errorf("sign.digest: %w", err)
	}
	manager, err := signer.NewManager(signer.Config{
		SignatureOID: signatureOID,
		DigestOID:    digestOID,
		Enrollment: signer.EnrollmentOptions{
			Provider:    cfg.Sign.Provider,
			Template:    cfg.Sign.Template,
			Credentials: cfg.Sign.Credentials,
			Identity:    signer.ParseIdentity(cfg.Sign.Identity),
			Trust:       cfg.Sign.Trust,
			Validity:    time.Duration(cfg.Sign.Validity) * time.Second,
		},
		MonitorPeriod: time.Duration(cfg.Sign.MonitorPeriod) * time.Millisecond,
	})
	if err != nil {
		return fmt.Errorf("signing material: %w", err)
	}

	allowedPolicies, err := cfg.Sign.AllowedPolicyOIDs()
	if err != nil {
		return fmt.Errorf("sign.policies: %w", err)
	}
	allowedDigests, err := cfg.Sign.AllowedDigestOIDs()
	if err != nil {
		return fmt.Errorf("sign.digests: %w", err)
	}
	engine, err := tsa.New(tsa.Config{
		AllowedDigestOIDs: allowedDigests,
		AllowedPolicyOIDs: allowedPolicies,
	}, keeper, manager)
	if err != nil {
		return err
	}

	srv := server.New(cfg.API.BindAddress, cfg.API.BindPort, engine)

	sigStop := make(chan os.Signal, 1)
	signal.Notify(sigStop, syscall.SIGINT, syscall.SIGTERM)

	var group errgroup.Group
	group.Go(srv.Listen)
	group.Go(func() error {
		sig := <-sigStop
		log.Warningf("%v received, graceful shutdown", sig)
		return srv.Shutdown(shutdownGrace)
	})
	return group.Wait()
}
