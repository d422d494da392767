package main

import (
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

// keyView はAPIの鍵レスポンスのうちCLIが表示する項目。
type keyView struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Algorithm   string `json:"algorithm"`
	PublicKey   string `json:"publicKey"`
	CreatedAt   string `json:"createdAt"`
	UpdatedAt   string `json:"updatedAt"`
	Certificate string `json:"certificate"`
}

// printResult は --output json の場合はレスポンスをそのまま、それ以外は text を出力する。
func printResult(cmd *cobra.Command, body []byte, text func(w io.Writer) error) error {
	if output == "json" {
		_, err := fmt.Fprintln(cmd.OutOrStdout(), string(body))
		return err
	}
	return text(cmd.OutOrStdout())
}

func printKey(w io.Writer, k keyView) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintf(tw, "ID:\t%s\n", k.ID)
	fmt.Fprintf(tw, "Name:\t%s\n", k.Name)
	fmt.Fprintf(tw, "Algorithm:\t%s\n", k.Algorithm)
	fmt.Fprintf(tw, "Public Key:\t%s\n", k.PublicKey)
	fmt.Fprintf(tw, "Created At:\t%s\n", k.CreatedAt)
	fmt.Fprintf(tw, "Updated At:\t%s\n", k.UpdatedAt)
	cert := "-"
	if k.Certificate != "" {
		cert = "assigned"
	}
	fmt.Fprintf(tw, "Certificate:\t%s\n", cert)
	return tw.Flush()
}

// listCmd は鍵一覧の取得コマンド。
func listCmd() *cobra.Command {
	var page, pageSize int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			q.Set("page", strconv.Itoa(page))
			q.Set("pageSize", strconv.Itoa(pageSize))

			body, err := callAPI(cmd.Context(), http.MethodGet, "/v1/keys?"+q.Encode(), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer) error {
				var result struct {
					Page     int       `json:"page"`
					PageSize int       `json:"pageSize"`
					Total    int64     `json:"total"`
					Data     []keyView `json:"data"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}

				tw := tabwriter.NewWriter(w, 0, 0, 3, ' ', 0)
				fmt.Fprintln(tw, "ID\tNAME\tALGORITHM\tCERTIFICATE\tCREATED AT")
				for _, k := range result.Data {
					cert := "no"
					if k.Certificate != "" {
						cert = "yes"
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", k.ID, k.Name, k.Algorithm, cert, k.CreatedAt)
				}
				if err := tw.Flush(); err != nil {
					return err
				}
				_, err := fmt.Fprintf(w, "page %d (size %d), %d key(s) total\n", result.Page, result.PageSize, result.Total)
				return err
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number (1-based)")
	cmd.Flags().IntVar(&pageSize, "page-size", 20, "Number of keys per page (max 100)")
	return cmd
}

// getCmd は鍵の取得コマンド。
func getCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <id>",
		Short: "Get key metadata",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(cmd.Context(), http.MethodGet, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer) error {
				var k keyView
				if err := json.Unmarshal(body, &k); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				return printKey(w, k)
			})
		},
	}
}

// createCmd は鍵の生成コマンド。
func createCmd() *cobra.Command {
	var name, algorithm string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a new signing key",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reqBody := map[string]string{"name": name, "algorithm": algorithm}
			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/keys", reqBody, http.StatusCreated)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer) error {
				var k keyView
				if err := json.Unmarshal(body, &k); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				_, err := fmt.Fprintf(w, "Created key %q (id: %s)\n", k.Name, k.ID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "Display name (required)")
	cmd.Flags().StringVar(&algorithm, "algorithm", "ECDSA-P256", "Key algorithm")
	cmd.MarkFlagRequired("name")
	return cmd
}

// deleteCmd は鍵の削除コマンド。
func deleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <id>",
		Short: "Delete a key and its private key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := callAPI(cmd.Context(), http.MethodDelete, "/v1/keys/"+url.PathEscape(args[0]), nil, http.StatusNoContent); err != nil {
				return err
			}
			return printResult(cmd, []byte("{}"), func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Deleted key %s\n", args[0])
				return err
			})
		},
	}
}

// requestCmd はCSRの発行コマンド。
func requestCmd() *cobra.Command {
	var asPEM bool
	cmd := &cobra.Command{
		Use:   "request <id>",
		Short: "Create a certificate signing request for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/keys/"+url.PathEscape(args[0])+"/request", nil, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer) error {
				var result struct {
					Request string `json:"request"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				if !asPEM {
					_, err := fmt.Fprintln(w, result.Request)
					return err
				}
				der, err := base64.StdEncoding.DecodeString(result.Request)
				if err != nil {
					return fmt.Errorf("decoding request: %w", err)
				}
				return pem.Encode(w, &pem.Block{Type: "CERTIFICATE REQUEST", Bytes: der})
			})
		},
	}
	cmd.Flags().BoolVar(&asPEM, "pem", false, "Print the request PEM-encoded instead of base64")
	return cmd
}

// assignCmd は証明書の割り当てコマンド。
func assignCmd() *cobra.Command {
	var file string
	cmd := &cobra.Command{
		Use:   "assign <id>",
		Short: "Assign a certificate (PEM or DER file) to a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cert, err := readCertificate(file)
			if err != nil {
				return err
			}
			reqBody := map[string]string{"certificate": cert}
			if _, err := callAPI(cmd.Context(), http.MethodPost, "/v1/keys/"+url.PathEscape(args[0])+"/certificate", reqBody, http.StatusNoContent); err != nil {
				return err
			}
			return printResult(cmd, []byte("{}"), func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "Assigned certificate to key %s\n", args[0])
				return err
			})
		},
	}
	cmd.Flags().StringVar(&file, "file", "", "Certificate file, PEM or DER (required)")
	cmd.MarkFlagRequired("file")
	return cmd
}

// readCertificate は証明書ファイルを読み込み、DERのBase64を返す。
func readCertificate(path string) (string, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("reading certificate: %w", err)
	}
	if block, _ := pem.Decode(b); block != nil {
		if block.Type != "CERTIFICATE" {
			return "", fmt.Errorf("unexpected PEM block %q", block.Type)
		}
		b = block.Bytes
	}
	return base64.StdEncoding.EncodeToString(b), nil
}

// signCmd はハッシュ署名コマンド。
func signCmd() *cobra.Command {
	var hash, dataFile, algorithm string
	cmd := &cobra.Command{
		Use:   "sign <id>",
		Short: "Sign a SHA-256 digest with a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			digest, err := resolveDigest(hash, dataFile)
			if err != nil {
				return err
			}
			reqBody := map[string]string{"hash": digest}
			if algorithm != "" {
				reqBody["algorithm"] = algorithm
			}
			body, err := callAPI(cmd.Context(), http.MethodPost, "/v1/keys/"+url.PathEscape(args[0])+"/sign", reqBody, http.StatusOK)
			if err != nil {
				return err
			}
			return printResult(cmd, body, func(w io.Writer) error {
				var result struct {
					Signature string `json:"signature"`
				}
				if err := json.Unmarshal(body, &result); err != nil {
					return fmt.Errorf("parsing response: %w", err)
				}
				_, err := fmt.Fprintln(w, result.Signature)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&hash, "hash", "", "Base64-encoded SHA-256 digest")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "File whose SHA-256 digest is signed")
	cmd.Flags().StringVar(&algorithm, "algorithm", "", "Expected key algorithm")
	cmd.MarkFlagsMutuallyExclusive("hash", "data-file")
	return cmd
}

// resolveDigest は --hash か --data-file から署名対象のダイジェスト（Base64）を決める。
func resolveDigest(hash, dataFile string) (string, error) {
	switch {
	case hash != "":
		return hash, nil
	case dataFile != "":
		b, err := os.ReadFile(dataFile)
		if err != nil {
			return "", fmt.Errorf("reading data file: %w", err)
		}
		sum := sha256.Sum256(b)
		return base64.StdEncoding.EncodeToString(sum[:]), nil
	default:
		return "", errors.New("one of --hash or --data-file is required")
	}
}
