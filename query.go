package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/miekg/dns"
	"github.com/owdns/owdns/server/doh"
	"github.com/spf13/cobra"
)

var (
	flagQueryServer  string
	flagQueryType    string
	flagQueryJSON    bool
	flagQueryDNSSEC  bool
	flagQueryTimeout time.Duration
)

var queryCmd = &cobra.Command{
	Use:   "query <name>",
	Short: "Send a DoH query to a gateway and print the response",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if flagQueryJSON {
			return queryJSON(cmd, args[0])
		}
		return queryWire(cmd, args[0])
	},
}

func init() {
	queryCmd.Flags().StringVarP(&flagQueryServer, "server", "s", "http://127.0.0.1:3000",
		"base URL of the gateway")
	queryCmd.Flags().StringVarP(&flagQueryType, "type", "t", "A", "query type")
	queryCmd.Flags().BoolVar(&flagQueryJSON, "json", false, "use the JSON query form")
	queryCmd.Flags().BoolVar(&flagQueryDNSSEC, "dnssec", false, "request DNSSEC records")
	queryCmd.Flags().DurationVar(&flagQueryTimeout, "timeout", 10*time.Second, "request timeout")
}

func queryWire(cmd *cobra.Command, name string) error {
	qtype := doh.ParseQTYPE(flagQueryType)
	if qtype == dns.TypeNone {
		return fmt.Errorf("unknown query type %q", flagQueryType)
	}

	req := new(dns.Msg)
	req.SetQuestion(dns.Fqdn(name), qtype)
	if flagQueryDNSSEC {
		req.SetEdns0(4096, true)
	}

	packed, err := req.Pack()
	if err != nil {
		return err
	}

	client := &http.Client{Timeout: flagQueryTimeout}

	hreq, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost,
		flagQueryServer+"/dns-query", bytes.NewReader(packed))
	if err != nil {
		return err
	}
	hreq.Header.Set("Content-Type", doh.MimeWire)

	hresp, err := client.Do(hreq)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", hresp.Status)
	}

	body, err := io.ReadAll(io.LimitReader(hresp.Body, dns.MaxMsgSize))
	if err != nil {
		return err
	}

	resp := new(dns.Msg)
	if err := resp.Unpack(body); err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), resp.String())

	return nil
}

func queryJSON(cmd *cobra.Command, name string) error {
	client := &http.Client{Timeout: flagQueryTimeout}

	url := fmt.Sprintf("%s/resolve?name=%s&type=%s", flagQueryServer, name, flagQueryType)
	if flagQueryDNSSEC {
		url += "&do=true"
	}

	hreq, err := http.NewRequestWithContext(cmd.Context(), http.MethodGet, url, nil)
	if err != nil {
		return err
	}

	hresp, err := client.Do(hreq)
	if err != nil {
		return err
	}
	defer hresp.Body.Close()

	if hresp.StatusCode != http.StatusOK {
		return fmt.Errorf("server returned %s", hresp.Status)
	}

	var msg json.RawMessage
	if err := json.NewDecoder(hresp.Body).Decode(&msg); err != nil {
		return err
	}

	pretty, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		return err
	}

	fmt.Fprintln(cmd.OutOrStdout(), string(pretty))

	return nil
}
