// ABOUTME: Admin CLI for fleet-gateway task, worker, code, and credential management
// ABOUTME: Talks to the gateway's bearer-token REST API and SSE event feed

package main

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
)

const banner = `
  __ _           _                    _           _
 / _| | ___  ___| |_       __ _  __| |_ __ ___ (_)_ __
| |_| |/ _ \/ _ \ __|____ / _' |/ _' | '_ ' _ \| | '_ \
|  _| |  __/  __/ ||_____| (_| | (_| | | | | | | | | | |
|_| |_|\___|\___|\__|     \__,_|\__,_|_| |_| |_|_|_| |_|
`

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	baseURL := os.Getenv("FLEET_GATEWAY_URL")
	if baseURL == "" {
		if host := os.Getenv("FLEET_GATEWAY_HOST"); host != "" {
			baseURL = "http://" + host
		} else {
			baseURL = "http://localhost:8080"
		}
	}
	baseURL = strings.TrimRight(baseURL, "/")
	token := getToken()
	tenant := os.Getenv("FLEET_TENANT")

	c := &client{baseURL: baseURL, token: token, tenant: tenant,
		http: &http.Client{Timeout: 15 * time.Second}}

	cmd := os.Args[1]
	args := os.Args[2:]

	var err error
	switch cmd {
	case "status":
		err = c.cmdStatus()
	case "tasks":
		err = c.cmdTasks(args)
	case "workers":
		err = c.cmdWorkers(args)
	case "codes":
		err = c.cmdCodes(args)
	case "credentials", "creds":
		err = c.cmdCredentials(args)
	case "watch":
		err = c.cmdWatch(args)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		color.Red("Error: %v\n", err)
		os.Exit(1)
	}
}

func printUsage() {
	cyan := color.New(color.FgCyan)
	yellow := color.New(color.FgYellow)

	cyan.Print(banner)
	fmt.Println()
	fmt.Println("Usage: fleet-admin <command> [args]")
	fmt.Println()
	yellow.Println("Commands:")
	fmt.Println("  status                        Check gateway reachability")
	fmt.Println("  tasks                         List tasks for the tenant")
	fmt.Println("  tasks list [--status <s>]     List tasks, optionally by status")
	fmt.Println("  tasks submit <description>    Submit a new task")
	fmt.Println("  tasks get <id>                Show one task")
	fmt.Println("  tasks cancel <id>             Cancel a pending or assigned task")
	fmt.Println("  workers                       List workers for the tenant")
	fmt.Println("  codes create                  Generate a worker connection code")
	fmt.Println("  credentials                   List credential keys")
	fmt.Println("  credentials set <key> <val>   Store a credential")
	fmt.Println("  credentials delete <key>      Delete a credential")
	fmt.Println("  watch                         Stream tenant events (SSE)")
	fmt.Println()
	yellow.Println("Environment:")
	fmt.Println("  FLEET_GATEWAY_HOST   Gateway hostname (derives http:// URL)")
	fmt.Println("  FLEET_GATEWAY_URL    Full gateway URL (overrides FLEET_GATEWAY_HOST)")
	fmt.Println("  FLEET_ADMIN_TOKEN    Admin bearer token (required)")
	fmt.Println("  FLEET_TENANT         Tenant ID (or pass --tenant)")
	fmt.Println()
	yellow.Println("Examples:")
	fmt.Println("  export FLEET_ADMIN_TOKEN=\"...\"")
	fmt.Println("  export FLEET_TENANT=acme")
	fmt.Println("  fleet-admin tasks submit 'check order status for #4512' --priority high")
	fmt.Println("  fleet-admin codes create --uses 5 --ttl 48h")
	fmt.Println("  fleet-admin watch")
	fmt.Println()
}

type client struct {
	baseURL string
	token   string
	tenant  string
	http    *http.Client
}

// do performs an authenticated request and decodes the JSON response
// into out when out is non-nil. Non-2xx responses become errors carrying
// the server's error message.
func (c *client) do(method, path string, query url.Values, body, out any) error {
	if c.token == "" {
		return fmt.Errorf("FLEET_ADMIN_TOKEN environment variable is required")
	}

	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encoding request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("%s %s: %s (%d)", method, path, apiErr.Error, resp.StatusCode)
		}
		return fmt.Errorf("%s %s: HTTP %d", method, path, resp.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decoding response: %w", err)
		}
	}
	return nil
}

// requireTenant resolves the tenant from --tenant flags or FLEET_TENANT.
func (c *client) requireTenant(args []string) (string, []string, error) {
	tenant := c.tenant
	rest := make([]string, 0, len(args))
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--tenant" || args[i] == "-t":
			if i+1 < len(args) {
				tenant = args[i+1]
				i++
			}
		case strings.HasPrefix(args[i], "--tenant="):
			tenant = strings.TrimPrefix(args[i], "--tenant=")
		default:
			rest = append(rest, args[i])
		}
	}
	if tenant == "" {
		return "", nil, fmt.Errorf("tenant is required (set FLEET_TENANT or pass --tenant)")
	}
	return tenant, rest, nil
}

func (c *client) cmdStatus() error {
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)

	cyan.Print(banner)
	fmt.Println()

	resp, err := c.http.Get(c.baseURL + "/health")
	if err != nil {
		fmt.Printf("  Gateway:  ")
		color.Red("UNREACHABLE (%v)\n", err)
		return nil
	}
	defer resp.Body.Close()

	green.Printf("  Gateway:  ")
	fmt.Printf("connected to %s\n", c.baseURL)

	var health struct {
		Status  string `json:"status"`
		Workers int    `json:"workers_online"`
	}
	if json.NewDecoder(resp.Body).Decode(&health) == nil {
		fmt.Printf("  Status:   %s\n", health.Status)
		fmt.Printf("  Workers:  %d online\n", health.Workers)
	}
	fmt.Println()
	return nil
}

func (c *client) cmdTasks(args []string) error {
	subcmd := "list"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return c.cmdTasksList(args)
	case "submit", "add":
		return c.cmdTasksSubmit(args)
	case "get", "show":
		return c.cmdTasksGet(args)
	case "cancel", "rm":
		return c.cmdTasksCancel(args)
	default:
		return fmt.Errorf("unknown tasks subcommand: %s (use list, submit, get, cancel)", subcmd)
	}
}

type taskView struct {
	ID               string  `json:"id"`
	Description      string  `json:"description"`
	Status           string  `json:"status"`
	Priority         string  `json:"priority"`
	AssignedWorkerID *string `json:"assigned_worker_id"`
	Result           string  `json:"result"`
	Error            string  `json:"error"`
	RetryCount       int     `json:"retry_count"`
	MaxRetries       int     `json:"max_retries"`
	CreatedAt        string  `json:"created_at"`
}

func (c *client) cmdTasksList(args []string) error {
	tenant, args, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	var status string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--status" || args[i] == "-s":
			if i+1 < len(args) {
				status = args[i+1]
				i++
			}
		case strings.HasPrefix(args[i], "--status="):
			status = strings.TrimPrefix(args[i], "--status=")
		}
	}

	query := url.Values{"tenant_id": {tenant}}
	if status != "" {
		query.Set("status", status)
	}

	var tasks []taskView
	if err := c.do(http.MethodGet, "/api/tasks", query, nil, &tasks); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Tasks")
	cyan.Println("  -----")

	if len(tasks) == 0 {
		fmt.Println("  (no tasks)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tSTATUS\tPRIORITY\tWORKER\tRETRIES\tDESCRIPTION")
	fmt.Fprintln(w, "  --\t------\t--------\t------\t-------\t-----------")
	for _, t := range tasks {
		worker := ""
		if t.AssignedWorkerID != nil {
			worker = truncate(*t.AssignedWorkerID, 12)
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d/%d\t%s\n",
			truncate(t.ID, 12), t.Status, t.Priority, worker,
			t.RetryCount, t.MaxRetries, truncate(t.Description, 40))
	}
	w.Flush()
	fmt.Println()
	return nil
}

func (c *client) cmdTasksSubmit(args []string) error {
	tenant, args, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	var priority string
	var tags []string
	var retries int
	var words []string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--priority" || args[i] == "-p":
			if i+1 < len(args) {
				priority = args[i+1]
				i++
			}
		case strings.HasPrefix(args[i], "--priority="):
			priority = strings.TrimPrefix(args[i], "--priority=")
		case args[i] == "--tags":
			if i+1 < len(args) {
				tags = splitTags(args[i+1])
				i++
			}
		case strings.HasPrefix(args[i], "--tags="):
			tags = splitTags(strings.TrimPrefix(args[i], "--tags="))
		case args[i] == "--retries":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &retries); err != nil {
					return fmt.Errorf("invalid retries: %s", args[i+1])
				}
				i++
			}
		default:
			words = append(words, args[i])
		}
	}

	description := strings.Join(words, " ")
	if description == "" {
		return fmt.Errorf("usage: tasks submit <description> [--priority urgent|high|normal|low] [--tags a,b] [--retries n]")
	}

	body := map[string]any{
		"tenant_id":   tenant,
		"description": description,
	}
	if priority != "" {
		body["priority"] = priority
	}
	if len(tags) > 0 {
		body["required_tags"] = tags
	}
	if retries > 0 {
		body["max_retries"] = retries
	}

	var created struct {
		TaskID string `json:"task_id"`
	}
	if err := c.do(http.MethodPost, "/api/tasks", nil, body, &created); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Submitted task: %s\n", created.TaskID)
	return nil
}

func (c *client) cmdTasksGet(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tasks get <task-id>")
	}

	var task taskView
	if err := c.do(http.MethodGet, "/api/tasks/"+args[0], nil, nil, &task); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Task")
	cyan.Println("  ----")
	fmt.Printf("  ID:          %s\n", task.ID)
	fmt.Printf("  Status:      %s\n", task.Status)
	fmt.Printf("  Priority:    %s\n", task.Priority)
	fmt.Printf("  Description: %s\n", task.Description)
	if task.AssignedWorkerID != nil {
		fmt.Printf("  Worker:      %s\n", *task.AssignedWorkerID)
	}
	fmt.Printf("  Retries:     %d/%d\n", task.RetryCount, task.MaxRetries)
	if task.Result != "" {
		fmt.Printf("  Result:      %s\n", task.Result)
	}
	if task.Error != "" {
		color.Red("  Error:       %s\n", task.Error)
	}
	fmt.Printf("  Created:     %s\n", task.CreatedAt)
	fmt.Println()
	return nil
}

func (c *client) cmdTasksCancel(args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: tasks cancel <task-id>")
	}

	if err := c.do(http.MethodDelete, "/api/tasks/"+args[0], nil, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Cancelled task: %s\n", args[0])
	return nil
}

func (c *client) cmdWorkers(args []string) error {
	tenant, _, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	var workers []struct {
		ID             string   `json:"id"`
		Name           string   `json:"name"`
		Capabilities   []string `json:"capabilities"`
		Status         string   `json:"status"`
		Connected      bool     `json:"connected"`
		CompletedCount int      `json:"completed_count"`
		LastSeen       string   `json:"last_seen"`
	}
	query := url.Values{"tenant_id": {tenant}}
	if err := c.do(http.MethodGet, "/api/workers", query, nil, &workers); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Workers")
	cyan.Println("  -------")

	if len(workers) == 0 {
		fmt.Println("  (no workers registered)")
		fmt.Println()
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "  ID\tNAME\tSTATUS\tCONNECTED\tDONE\tCAPABILITIES\tLAST SEEN")
	fmt.Fprintln(w, "  --\t----\t------\t---------\t----\t------------\t---------")
	for _, worker := range workers {
		connected := "no"
		if worker.Connected {
			connected = "yes"
		}
		lastSeen := worker.LastSeen
		if t, err := time.Parse(time.RFC3339, worker.LastSeen); err == nil {
			lastSeen = t.Local().Format("Jan 02 15:04")
		}
		fmt.Fprintf(w, "  %s\t%s\t%s\t%s\t%d\t%s\t%s\n",
			truncate(worker.ID, 12), truncate(worker.Name, 20), worker.Status,
			connected, worker.CompletedCount,
			truncate(strings.Join(worker.Capabilities, ","), 24), lastSeen)
	}
	w.Flush()
	fmt.Println()
	return nil
}

func (c *client) cmdCodes(args []string) error {
	subcmd := "create"
	if len(args) > 0 {
		subcmd = args[0]
		args = args[1:]
	}
	if subcmd != "create" {
		return fmt.Errorf("unknown codes subcommand: %s (use create)", subcmd)
	}

	tenant, args, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	var uses int
	var ttl string
	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "--uses" || args[i] == "-u":
			if i+1 < len(args) {
				if _, err := fmt.Sscanf(args[i+1], "%d", &uses); err != nil {
					return fmt.Errorf("invalid uses: %s", args[i+1])
				}
				i++
			}
		case args[i] == "--ttl":
			if i+1 < len(args) {
				ttl = args[i+1]
				i++
			}
		case strings.HasPrefix(args[i], "--ttl="):
			ttl = strings.TrimPrefix(args[i], "--ttl=")
		}
	}

	body := map[string]any{"tenant_id": tenant}
	if uses > 0 {
		body["max_uses"] = uses
	}
	if ttl != "" {
		body["ttl"] = ttl
	}

	var code struct {
		Code      string `json:"code"`
		MaxUses   int    `json:"max_uses"`
		ExpiresAt string `json:"expires_at"`
	}
	if err := c.do(http.MethodPost, "/api/codes", nil, body, &code); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan)
	fmt.Println()
	green.Println("  Connection code created")
	fmt.Println()
	cyan.Println("  Code:      " + code.Code)
	fmt.Printf("  Max uses:  %d\n", code.MaxUses)
	fmt.Printf("  Expires:   %s\n", code.ExpiresAt)
	fmt.Println()
	fmt.Println("  Workers join with:")
	fmt.Println()
	wsURL := strings.Replace(c.baseURL, "http", "ws", 1) + "/ws"
	fmt.Printf("  fleet-worker join --gateway %s --code %s\n", wsURL, code.Code)
	fmt.Println()
	return nil
}

func (c *client) cmdCredentials(args []string) error {
	subcmd := "list"
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		subcmd = args[0]
		args = args[1:]
	}

	switch subcmd {
	case "list", "ls":
		return c.cmdCredentialsList(args)
	case "set", "add":
		return c.cmdCredentialsSet(args)
	case "delete", "rm", "remove":
		return c.cmdCredentialsDelete(args)
	default:
		return fmt.Errorf("unknown credentials subcommand: %s (use list, set, delete)", subcmd)
	}
}

func (c *client) cmdCredentialsList(args []string) error {
	tenant, _, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	var resp struct {
		Keys []string `json:"keys"`
	}
	query := url.Values{"tenant_id": {tenant}}
	if err := c.do(http.MethodGet, "/api/credentials", query, nil, &resp); err != nil {
		return err
	}

	cyan := color.New(color.FgCyan)
	fmt.Println()
	cyan.Println("  Credential Keys")
	cyan.Println("  ---------------")
	if len(resp.Keys) == 0 {
		fmt.Println("  (no credentials)")
	}
	for _, key := range resp.Keys {
		fmt.Printf("  %s\n", key)
	}
	fmt.Println()
	return nil
}

func (c *client) cmdCredentialsSet(args []string) error {
	tenant, args, err := c.requireTenant(args)
	if err != nil {
		return err
	}
	if len(args) < 2 {
		return fmt.Errorf("usage: credentials set <key> <value>")
	}

	body := map[string]string{
		"tenant_id": tenant,
		"key":       args[0],
		"value":     strings.Join(args[1:], " "),
	}
	if err := c.do(http.MethodPost, "/api/credentials", nil, body, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Stored credential: %s\n", args[0])
	return nil
}

func (c *client) cmdCredentialsDelete(args []string) error {
	tenant, args, err := c.requireTenant(args)
	if err != nil {
		return err
	}
	if len(args) < 1 {
		return fmt.Errorf("usage: credentials delete <key>")
	}

	query := url.Values{"tenant_id": {tenant}, "key": {args[0]}}
	if err := c.do(http.MethodDelete, "/api/credentials", query, nil, nil); err != nil {
		return err
	}

	green := color.New(color.FgGreen)
	green.Printf("✓ Deleted credential: %s\n", args[0])
	return nil
}

// cmdWatch streams the tenant event feed until interrupted.
func (c *client) cmdWatch(args []string) error {
	if c.token == "" {
		return fmt.Errorf("FLEET_ADMIN_TOKEN environment variable is required")
	}
	tenant, _, err := c.requireTenant(args)
	if err != nil {
		return err
	}

	u := c.baseURL + "/api/events?tenant_id=" + url.QueryEscape(tenant)
	req, err := http.NewRequest(http.MethodGet, u, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.token)
	req.Header.Set("Accept", "text/event-stream")

	// No timeout for a long-lived stream.
	stream := &http.Client{}
	resp, err := stream.Do(req)
	if err != nil {
		return fmt.Errorf("connecting to event feed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("event feed: HTTP %d", resp.StatusCode)
	}

	cyan := color.New(color.FgCyan)
	dim := color.New(color.Faint)
	cyan.Printf("Watching events for tenant %s (Ctrl+C to exit)\n\n", tenant)

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var eventKind string
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event: "):
			eventKind = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data := strings.TrimPrefix(line, "data: ")
			dim.Printf("%s  ", time.Now().Format("15:04:05"))
			color.New(color.FgYellow).Printf("%-20s", eventKind)
			fmt.Printf(" %s\n", data)
		}
	}
	return scanner.Err()
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func splitTags(raw string) []string {
	parts := strings.Split(raw, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			tags = append(tags, p)
		}
	}
	return tags
}

// getToken returns the admin token from FLEET_ADMIN_TOKEN or
// ~/.config/fleet/token.
func getToken() string {
	if token := os.Getenv("FLEET_ADMIN_TOKEN"); token != "" {
		return token
	}

	configDir := os.Getenv("XDG_CONFIG_HOME")
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return ""
		}
		configDir = filepath.Join(homeDir, ".config")
	}

	data, err := os.ReadFile(filepath.Join(configDir, "fleet", "token"))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
