package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"omemostore/internal/auth"
	"omemostore/internal/dto"
)

func main() {
	if len(os.Args) < 2 {
		usage()
	}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "init":
		err = runAccount(cmd, http.MethodPost, "/identity", args, &dto.DeviceResponse{})
	case "show":
		err = runAccount(cmd, http.MethodGet, "/identity", args, &dto.IdentityResponse{})
	case "regenerate":
		err = runAccount(cmd, http.MethodPost, "/identity/regenerate", args, &dto.DeviceResponse{})
	case "activate":
		err = runAccount(cmd, http.MethodPost, "/identity/activate", args, nil)
	case "rotate":
		err = runRotate(args)
	case "replenish":
		err = runAccount(cmd, http.MethodPost, "/prekeys/replenish", args, &dto.ReplenishPreKeysResponse{})
	case "purge":
		err = runAccount(cmd, http.MethodDelete, "", args, &dto.PurgeAccountResponse{})
	case "devices":
		err = runDevices(args)
	case "purge-device":
		err = runPurgeDevice(args)
	case "trust":
		err = runTrust(args)
	case "trusted":
		err = runTrusted(args)
	case "token":
		err = runToken(args)
	case "genkey":
		err = runGenKey()
	default:
		usage()
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s <command> [options]\n", os.Args[0])
	fmt.Fprintln(os.Stderr, "Commands:")
	fmt.Fprintln(os.Stderr, "  init          Create the local device identity of an account")
	fmt.Fprintln(os.Stderr, "  show          Print the local device and its public bundle")
	fmt.Fprintln(os.Stderr, "  regenerate    Replace the local device with a fresh identity")
	fmt.Fprintln(os.Stderr, "  activate      Mark the local device as published")
	fmt.Fprintln(os.Stderr, "  rotate        Rotate the signed pre-key (-force to skip the interval)")
	fmt.Fprintln(os.Stderr, "  replenish     Top up one-time pre-keys")
	fmt.Fprintln(os.Stderr, "  purge         Delete everything stored for an account")
	fmt.Fprintln(os.Stderr, "  devices       Show or replace a contact's device list")
	fmt.Fprintln(os.Stderr, "  purge-device  Forget one remote device")
	fmt.Fprintln(os.Stderr, "  trust         Set the trust decision for a remote device")
	fmt.Fprintln(os.Stderr, "  trusted       Count trusted active devices of a contact")
	fmt.Fprintln(os.Stderr, "  token         Issue an admin token from ADMIN_SIGNING_KEY")
	fmt.Fprintln(os.Stderr, "  genkey        Generate a new ADMIN_SIGNING_KEY")
	os.Exit(2)
}

type client struct {
	baseURL string
	token   string
}

func (c *client) flags(fs *flag.FlagSet) {
	fs.StringVar(&c.baseURL, "base-url", getenv("OMEMOCTL_BASE_URL", "http://localhost:8085"), "store admin base URL")
	fs.StringVar(&c.token, "token", os.Getenv("OMEMOCTL_TOKEN"), "admin bearer token")
}

func newFlagSet(name string) *flag.FlagSet {
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func accountPath(account, suffix string) string {
	return "/v1/accounts/" + url.PathEscape(account) + suffix
}

func contactPath(account, address, suffix string) string {
	return accountPath(account, "/contacts/"+url.PathEscape(address)+suffix)
}

func runAccount(name, method, suffix string, args []string, out any) error {
	fs := newFlagSet(name)
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("account is required")
	}
	return c.do(method, accountPath(*account, suffix), nil, out)
}

func runRotate(args []string) error {
	fs := newFlagSet("rotate")
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	force := fs.Bool("force", false, "rotate even if the current key is not due")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" {
		return fmt.Errorf("account is required")
	}
	path := accountPath(*account, "/signed-prekey/rotate") + "?force=" + strconv.FormatBool(*force)
	return c.do(http.MethodPost, path, nil, &dto.RotateSignedPreKeyResponse{})
}

func runDevices(args []string) error {
	fs := newFlagSet("devices")
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	contact := fs.String("contact", "", "contact address")
	active := fs.String("active", "", "comma separated active device ids; replaces the list when set")
	inactive := fs.String("inactive", "", "comma separated inactive device ids")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" || strings.TrimSpace(*contact) == "" {
		return fmt.Errorf("account and contact are required")
	}

	path := contactPath(*account, *contact, "/devices")
	if *active == "" && *inactive == "" {
		return c.do(http.MethodGet, path, nil, &dto.DeviceListResponse{})
	}

	var req dto.DeviceListRequest
	var err error
	if req.Active, err = parseIDs(*active); err != nil {
		return err
	}
	if req.Inactive, err = parseIDs(*inactive); err != nil {
		return err
	}
	return c.do(http.MethodPut, path, req, &dto.DeviceListResponse{})
}

func runPurgeDevice(args []string) error {
	fs := newFlagSet("purge-device")
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	contact := fs.String("contact", "", "contact address")
	device := fs.Uint("device", 0, "device id")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" || strings.TrimSpace(*contact) == "" || *device == 0 {
		return fmt.Errorf("account, contact and device are required")
	}
	path := contactPath(*account, *contact, "/devices/"+strconv.FormatUint(uint64(*device), 10))
	return c.do(http.MethodDelete, path, nil, nil)
}

func runTrust(args []string) error {
	fs := newFlagSet("trust")
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	contact := fs.String("contact", "", "contact address")
	device := fs.Uint("device", 0, "device id")
	var req dto.SetTrustRequest
	fs.StringVar(&req.Fingerprint, "fingerprint", "", "identity key fingerprint (hex)")
	fs.StringVar(&req.Trust, "status", "verified", "undecided, trusted, verified, verified_via_certificate or untrusted")
	fs.BoolVar(&req.Blind, "blind", false, "record the decision before the key is seen")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" || strings.TrimSpace(*contact) == "" || *device == 0 {
		return fmt.Errorf("account, contact and device are required")
	}
	if req.Fingerprint == "" {
		return fmt.Errorf("fingerprint is required")
	}
	path := contactPath(*account, *contact, "/devices/"+strconv.FormatUint(uint64(*device), 10)+"/trust")
	return c.do(http.MethodPut, path, req, &dto.SetTrustResponse{})
}

func runTrusted(args []string) error {
	fs := newFlagSet("trusted")
	var c client
	c.flags(fs)
	account := fs.String("account", "", "account address")
	contact := fs.String("contact", "", "contact address")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if strings.TrimSpace(*account) == "" || strings.TrimSpace(*contact) == "" {
		return fmt.Errorf("account and contact are required")
	}
	return c.do(http.MethodGet, contactPath(*account, *contact, "/trusted"), nil, &dto.TrustedCountResponse{})
}

func runToken(args []string) error {
	fs := newFlagSet("token")
	key := fs.String("key", os.Getenv("ADMIN_SIGNING_KEY"), "base64 ed25519 admin signing key")
	sub := fs.String("sub", getenv("USER", "operator"), "token subject")
	ttl := fs.Duration("ttl", time.Hour, "token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *key == "" {
		return fmt.Errorf("signing key is required (-key or ADMIN_SIGNING_KEY)")
	}
	s, err := auth.NewFromBase64(*key, "admin")
	if err != nil {
		return err
	}
	tok, err := s.Sign(*sub, *ttl)
	if err != nil {
		return err
	}
	fmt.Println(tok)
	return nil
}

func runGenKey() error {
	_, key, err := auth.Generate("admin")
	if err != nil {
		return err
	}
	fmt.Printf("ADMIN_SIGNING_KEY=%s\n", key)
	return nil
}

// do sends body as JSON and prints the decoded response. A nil out expects
// an empty success response.
func (c *client) do(method, path string, body, out any) error {
	var rd io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		rd = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, strings.TrimRight(c.baseURL, "/")+path, rd)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	httpClient := &http.Client{Timeout: 10 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() {
		if cerr := resp.Body.Close(); cerr != nil {
			fmt.Fprintf(os.Stderr, "warning: failed to close response body: %v\n", cerr)
		}
	}()

	if resp.StatusCode >= 400 {
		data, _ := io.ReadAll(resp.Body)
		if len(data) == 0 {
			data = []byte(resp.Status)
		}
		return fmt.Errorf("%s %s failed: %s", method, path, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return err
	}
	return printJSON(out)
}

func parseIDs(s string) ([]uint32, error) {
	if strings.TrimSpace(s) == "" {
		return nil, nil
	}
	var ids []uint32
	for _, part := range strings.Split(s, ",") {
		n, err := strconv.ParseUint(strings.TrimSpace(part), 10, 32)
		if err != nil {
			return nil, fmt.Errorf("invalid device id %q", part)
		}
		ids = append(ids, uint32(n))
	}
	return ids, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
