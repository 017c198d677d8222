package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"os"

	"github.com/spf13/cobra"

	"github.com/ferrule/ferrule/internal/cli/output"
)

var nhServerAddr string

var nhCmd = &cobra.Command{
	Use:   "nh",
	Short: "Manage static nexthops via the control API",
}

var nhAddCmd = &cobra.Command{
	Use:   "add <addr> <mac>",
	Short: "Add a static nexthop (NH_ADD)",
	Args:  cobra.ExactArgs(2),
	RunE:  runNHAdd,
}

var nhDelCmd = &cobra.Command{
	Use:   "del <addr>",
	Short: "Delete a nexthop (NH_DEL)",
	Args:  cobra.ExactArgs(1),
	RunE:  runNHDel,
}

var nhListCmd = &cobra.Command{
	Use:   "list",
	Short: "List nexthops (NH_LIST)",
	RunE:  runNHList,
}

var nhLinkAddCmd = &cobra.Command{
	Use:   "link-add <prefix>",
	Short: "Add a LINK route for a directly-connected subnet",
	Args:  cobra.ExactArgs(1),
	RunE:  runNHLinkAdd,
}

var nhLinkDelCmd = &cobra.Command{
	Use:   "link-del <prefix>",
	Short: "Withdraw a LINK route",
	Args:  cobra.ExactArgs(1),
	RunE:  runNHLinkDel,
}

var (
	nhVRFID   uint16
	nhIfaceID uint16
	nhExistOK bool
	nhMissOK  bool
	nhFamily  string
)

func init() {
	nhCmd.PersistentFlags().StringVar(&nhServerAddr, "addr", "http://127.0.0.1:8080", "control API base URL")

	nhAddCmd.Flags().Uint16Var(&nhVRFID, "vrf", 0, "VRF ID")
	nhAddCmd.Flags().Uint16Var(&nhIfaceID, "iface", 0, "interface ID")
	nhAddCmd.Flags().BoolVar(&nhExistOK, "exist-ok", false, "succeed if the nexthop already exists")

	nhDelCmd.Flags().Uint16Var(&nhVRFID, "vrf", 0, "VRF ID")
	nhDelCmd.Flags().BoolVar(&nhMissOK, "missing-ok", false, "succeed if the nexthop is absent")

	nhListCmd.Flags().StringVar(&nhFamily, "family", "v4", "address family (v4 or v6)")
	nhListCmd.Flags().Uint16Var(&nhVRFID, "vrf", 0, "VRF ID (omit for all VRFs)")

	nhLinkAddCmd.Flags().Uint16Var(&nhVRFID, "vrf", 0, "VRF ID")
	nhLinkAddCmd.Flags().Uint16Var(&nhIfaceID, "iface", 0, "interface ID")

	nhLinkDelCmd.Flags().Uint16Var(&nhVRFID, "vrf", 0, "VRF ID")
	nhLinkDelCmd.Flags().Uint16Var(&nhIfaceID, "iface", 0, "interface ID")

	nhCmd.AddCommand(nhAddCmd, nhDelCmd, nhListCmd, nhLinkAddCmd, nhLinkDelCmd)
}

type apiEnvelope struct {
	Status string          `json:"status"`
	Data   json.RawMessage `json:"data,omitempty"`
	Error  string          `json:"error,omitempty"`
}

func runNHAdd(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]any{
		"vrf_id":   nhVRFID,
		"iface_id": nhIfaceID,
		"addr":     args[0],
		"mac":      args[1],
		"exist_ok": nhExistOK,
	})
	env, err := doRequest(http.MethodPost, "/api/v1/nexthops", body)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}
	fmt.Printf("added %s\n", args[0])
	return nil
}

func runNHDel(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("vrf_id", fmt.Sprint(nhVRFID))
	if nhMissOK {
		q.Set("missing_ok", "true")
	}
	env, err := doRequest(http.MethodDelete, "/api/v1/nexthops/"+url.PathEscape(args[0])+"?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}
	fmt.Printf("deleted %s\n", args[0])
	return nil
}

func runNHList(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("family", nhFamily)
	if cmd.Flags().Changed("vrf") {
		q.Set("vrf_id", fmt.Sprint(nhVRFID))
	}
	env, err := doRequest(http.MethodGet, "/api/v1/nexthops?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}

	var rows []output.NexthopRow
	if err := json.Unmarshal(env.Data, &rows); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}

	return output.PrintTable(os.Stdout, output.NewNexthopTable(rows))
}

func runNHLinkAdd(cmd *cobra.Command, args []string) error {
	body, _ := json.Marshal(map[string]any{
		"vrf_id":   nhVRFID,
		"iface_id": nhIfaceID,
		"prefix":   args[0],
	})
	env, err := doRequest(http.MethodPost, "/api/v1/links", body)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}
	fmt.Printf("added link route %s\n", args[0])
	return nil
}

func runNHLinkDel(cmd *cobra.Command, args []string) error {
	q := url.Values{}
	q.Set("vrf_id", fmt.Sprint(nhVRFID))
	q.Set("iface_id", fmt.Sprint(nhIfaceID))
	q.Set("prefix", args[0])
	env, err := doRequest(http.MethodDelete, "/api/v1/links?"+q.Encode(), nil)
	if err != nil {
		return err
	}
	if env.Status != "ok" {
		return fmt.Errorf("%s", env.Error)
	}
	fmt.Printf("withdrew link route %s\n", args[0])
	return nil
}

func doRequest(method, path string, body []byte) (*apiEnvelope, error) {
	req, err := http.NewRequest(method, nhServerAddr+path, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("control API request failed: %w", err)
	}
	defer resp.Body.Close()

	var env apiEnvelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &env, nil
}
