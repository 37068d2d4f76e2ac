// Copyright 2024 - 2025 The ehrgrab Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/ehrgrab/ehrgrab/fhir"
	"github.com/ehrgrab/ehrgrab/util"
)

var cfgFile string
var verbose int
var noProgress bool

var client *fhir.Client

// createClient builds the FHIR client from the resolved configuration.
// Flags win over config file keys; viper handles the precedence.
func createClient() error {
	if client != nil {
		return nil
	}
	server := viper.GetString("server")
	if server == "" {
		return errors.New("no FHIR server base URL given; use --server or the config file")
	}
	base, err := url.ParseRequestURI(server)
	if err != nil {
		return fmt.Errorf("could not parse server's base URL: %v", err)
	}

	auth, err := clientAuth(base)
	if err != nil {
		return err
	}
	if viper.GetBool("insecure") {
		client = fhir.NewClientInsecure(base, auth)
	} else {
		client = fhir.NewClient(base, auth)
	}
	return nil
}

func clientAuth(base *url.URL) (fhir.Auth, error) {
	user := viper.GetString("user")
	password := viper.GetString("password")
	token := viper.GetString("token")
	smartClientID := viper.GetString("smart-client-id")
	smartKey := viper.GetString("smart-key")

	switch {
	case smartClientID != "" && smartKey != "":
		auth, err := fhir.NewBackendServicesAuth(base, smartClientID, smartKey)
		if err != nil {
			return nil, err
		}
		return auth, nil
	case smartClientID != "" || smartKey != "":
		return nil, errors.New("SMART backend services auth needs both --smart-client-id and --smart-key")
	case user != "" && password != "":
		return fhir.BasicAuth{User: user, Password: password}, nil
	case token != "":
		return fhir.TokenAuth{Token: token}, nil
	}
	return nil, nil
}

// signalContext returns a context cancelled by SIGINT or SIGTERM, so an
// interrupted run still flushes its metadata and can be resumed.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:   "ehrgrab",
	Short: "Extract EHR data from a FHIR® server into NDJSON files",
	Long: `ehrgrab pulls patient-linked resources out of a FHIR® server into a local
workspace of NDJSON files, incrementally and resumably.

Servers with Bulk Data Access support are exported via $export; everything
else is crawled patient by patient through FHIR search.`,
	Version: "0.4.0",
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		switch {
		case verbose >= 2:
			zerolog.SetGlobalLevel(zerolog.DebugLevel)
		case verbose == 1:
			zerolog.SetGlobalLevel(zerolog.InfoLevel)
		default:
			zerolog.SetGlobalLevel(zerolog.WarnLevel)
		}
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	},
}

// Execute runs the root command and maps the failure to the process exit
// code: 1 for configuration problems, 2 for a cancelled run, 3 for an
// unrecoverable server or auth error.
func Execute() {
	err := rootCmd.Execute()
	if err == nil {
		return
	}

	var respErr *fhir.ResponseError
	switch {
	case errors.Is(err, context.Canceled):
		fmt.Fprintln(os.Stderr, "Cancelled. Re-run the same command to resume.")
		os.Exit(2)
	case errors.As(err, &respErr):
		fmt.Fprintln(os.Stderr, err)
		if respErr.Outcome != nil {
			fmt.Fprintln(os.Stderr, "Server Error:")
			fmt.Fprintln(os.Stderr, util.Indent(2, util.FmtOperationOutcome(respErr.Outcome)))
		}
		os.Exit(3)
	case errors.Is(err, fhir.ErrExpired), errors.Is(err, fhir.ErrAuth):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(3)
	default:
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		viper.SetConfigName("ehrgrab")
		viper.SetConfigType("toml")
		viper.AddConfigPath(".")
	}
	viper.SetEnvPrefix("EHRGRAB")
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && cfgFile != "" {
			fmt.Fprintf(os.Stderr, "could not read config file: %v\n", err)
			os.Exit(1)
		}
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "path to a TOML config file (default ./ehrgrab.toml)")
	rootCmd.PersistentFlags().String("server", "", "the base URL of the FHIR server to use")
	rootCmd.PersistentFlags().BoolP("insecure", "k", false, "allow insecure server connections when using SSL")
	rootCmd.PersistentFlags().String("user", "", "user information for basic authentication")
	rootCmd.PersistentFlags().String("password", "", "password information for basic authentication")
	rootCmd.PersistentFlags().String("token", "", "bearer token for authentication")
	rootCmd.PersistentFlags().String("smart-client-id", "", "client ID for SMART backend services authentication")
	rootCmd.PersistentFlags().String("smart-key", "", "path to the RSA private key (PEM or JWKS) for SMART backend services")
	rootCmd.PersistentFlags().CountVarP(&verbose, "verbose", "v", "increase log verbosity (-v info, -vv debug)")
	rootCmd.PersistentFlags().BoolVar(&noProgress, "no-progress", false, "don't show progress bars")

	_ = viper.BindPFlag("server", rootCmd.PersistentFlags().Lookup("server"))
	_ = viper.BindPFlag("insecure", rootCmd.PersistentFlags().Lookup("insecure"))
	_ = viper.BindPFlag("user", rootCmd.PersistentFlags().Lookup("user"))
	_ = viper.BindPFlag("password", rootCmd.PersistentFlags().Lookup("password"))
	_ = viper.BindPFlag("token", rootCmd.PersistentFlags().Lookup("token"))
	_ = viper.BindPFlag("smart-client-id", rootCmd.PersistentFlags().Lookup("smart-client-id"))
	_ = viper.BindPFlag("smart-key", rootCmd.PersistentFlags().Lookup("smart-key"))
}
