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
	"bytes"
	"crypto"
	"crypto/rand"
	"fmt"
	"io"
	"math/big"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/digitorus/timestamp"
	"github.com/spf13/cobra"

	"github.com/veritime/tsad/tsp"
)

// cli vars
var queryServerURL string
var queryFileName string
var queryHashName string
var queryNoNonce bool
var queryNoCerts bool

func init() {
	RootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVarP(&queryServerURL, "server", "s", "http://localhost:8080/tsp", "TSA endpoint URL")
	queryCmd.Flags().StringVarP(&queryFileName, "file", "f", "", "File to time-stamp (stdin when empty)")
	queryCmd.Flags().StringVarP(&queryHashName, "hash", "d", "sha512", "Message imprint digest: sha256, sha384 or sha512")
	queryCmd.Flags().BoolVar(&queryNoNonce, "no-nonce", false, "Omit the request nonce")
	queryCmd.Flags().BoolVar(&queryNoCerts, "no-certs", false, "Do not ask for the signing certificate chain")
}

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Sends a time-stamp request to a TSA. Similar to openssl ts -query | curl",
	Run: func(_ *cobra.Command, _ []string) {
		ConfigureVerbosity()
		if err := tsaQuery(); err != nil {
			fmt.Println(err)
			os.Exit(1)
		}
	},
}

func tsaQuery() error {
	var data []byte
	var err error
	if queryFileName == "" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(queryFileName)
	}
	if err != nil {
		return fmt.Errorf("failed to read input: %w", err)
	}

	var hash crypto.Hash
	switch strings.ToLower(queryHashName) {
	case "sha256":
		hash = crypto.SHA256
	case "sha384":
		hash = crypto.SHA384
	case "sha512":
		hash = crypto.SHA512
	default:
		return fmt.Errorf("unsupported hash %q", queryHashName)
	}

	opts := &timestamp.RequestOptions{
		Hash:         hash,
		Certificates: !queryNoCerts,
	}
	if !queryNoNonce {
		nonce, err := rand.Int(rand.Reader, new(big.Int).Lsh(big.NewInt(1), 64))
		if err != nil {
			return err
		}
		opts.Nonce = nonce
	}
	reqDER, err := timestamp.CreateRequest(bytes.NewReader(data), opts)
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}

	client := &http.Client{Timeout: 30 * time.Second}
	httpResp, err := client.Post(queryServerURL, "application/timestamp-query", bytes.NewReader(reqDER))
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", queryServerURL, err)
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return err
	}
	if httpResp.StatusCode != http.StatusOK {
		return fmt.Errorf("TSA answered HTTP %d: %s", httpResp.StatusCode, string(body))
	}

	resp, err := tsp.ParseResponse(body)
	if err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.Token == nil {
		return fmt.Errorf("request rejected: %s", strings.Join(resp.StatusStrings, "; "))
	}

	info := resp.Token.Info
	fmt.Printf("Server: %s\n", queryServerURL)
	fmt.Printf("Time: %s | Accuracy: %dµs\n", info.GenTime.Format(time.RFC3339Nano), info.AccuracyMicros)
	fmt.Printf("Policy: %v | Serial: 0x%x\n", info.Policy, info.SerialNumber)
	if opts.Nonce != nil {
		if info.Nonce == nil || opts.Nonce.Cmp(info.Nonce) != 0 {
			return fmt.Errorf("response nonce does not match request")
		}
		fmt.Println("Nonce: ok")
	}
	if len(resp.Token.Certificates) > 0 {
		leaf := resp.Token.Certificates[0]
		fmt.Printf("Signer: %s (serial 0x%x, expires %s)\n",
			leaf.Subject.CommonName, leaf.SerialNumber, leaf.NotAfter.Format(time.RFC3339))
		if err := resp.Token.Verify(leaf.PublicKey); err != nil {
			return fmt.Errorf("token verification failed: %w", err)
		}
		fmt.Println("Signature: ok")
	}
	return nil
}
