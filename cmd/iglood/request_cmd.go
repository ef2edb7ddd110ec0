package main

import (
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/fentz26/iglood/internal/broker"
	"github.com/fentz26/iglood/internal/models"
)

var (
	reqApp      string
	reqEvent    string
	reqPubkey   string
	reqPlain    string
	reqCipher   string
	reqBlocking bool
	reqTimeout  time.Duration
)

var requestCmd = &cobra.Command{
	Use:   "request <operation>",
	Short: "Submit a signing request through the daemon",
	Long: `Submits one request through either transport, for smoke testing and
scripting. With --blocking the call uses the query transport and waits for
the result; otherwise it uses the async transport and polls for the result.`,
	Args: cobra.ExactArgs(1),
	RunE: runRequest,
}

func init() {
	requestCmd.Flags().StringVar(&reqApp, "app", "iglood-cli", "Calling app identifier")
	requestCmd.Flags().StringVar(&reqEvent, "event", "", "Event JSON (sign_event, decrypt_zap_event)")
	requestCmd.Flags().StringVar(&reqPubkey, "pubkey", "", "Peer public key (encrypt/decrypt)")
	requestCmd.Flags().StringVar(&reqPlain, "plaintext", "", "Plaintext (encrypt)")
	requestCmd.Flags().StringVar(&reqCipher, "ciphertext", "", "Ciphertext (decrypt)")
	requestCmd.Flags().BoolVar(&reqBlocking, "blocking", false, "Use the blocking query transport")
	requestCmd.Flags().DurationVar(&reqTimeout, "timeout", 15*time.Second, "Result wait budget")
}

func runRequest(cmd *cobra.Command, args []string) error {
	op, ok := models.ParseOperation(args[0])
	if !ok {
		return fmt.Errorf("unknown operation %q", args[0])
	}

	if reqBlocking {
		return runBlockingRequest(op)
	}
	return runAsyncRequest(op)
}

func runBlockingRequest(op models.OperationKind) error {
	var posArgs []string
	switch op {
	case models.OpSignEvent, models.OpDecryptZapEvent:
		posArgs = []string{reqEvent}
	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		posArgs = []string{reqPlain, reqPubkey}
	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		posArgs = []string{reqCipher, reqPubkey}
	}

	authority := reqApp + "." + strings.ToUpper(string(op))
	row, err := newAPIClient(apiAddr).provider(authority, reqTimeout, posArgs...)
	if err == errNoResult {
		fmt.Println("no result (timeout)")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(row)
}

func runAsyncRequest(op models.OperationKind) error {
	extras := map[string]string{
		"type":    string(op),
		"package": reqApp,
	}
	payload := ""
	switch op {
	case models.OpSignEvent, models.OpDecryptZapEvent:
		payload = reqEvent
	case models.OpNIP04Encrypt, models.OpNIP44Encrypt:
		payload = reqPlain
		extras["pubkey"] = reqPubkey
	case models.OpNIP04Decrypt, models.OpNIP44Decrypt:
		payload = reqCipher
		extras["pubkey"] = reqPubkey
	}

	client := newAPIClient(apiAddr)
	var ticket broker.Ticket
	if err := client.postJSONInto("/v1/requests", map[string]any{
		"uri":    "nostrsigner:" + url.QueryEscape(payload),
		"extras": extras,
		"caller": reqApp,
	}, &ticket); err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "accepted: id=%s fingerprint=%s duplicate=%v\n",
		ticket.ID, ticket.Fingerprint, ticket.Duplicate)

	var result models.Response
	err := client.getJSON(
		fmt.Sprintf("/v1/results/%s?timeout_ms=%d", ticket.Fingerprint, reqTimeout.Milliseconds()),
		&result)
	if err == errNoResult {
		fmt.Println("no result (timeout)")
		return nil
	}
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
