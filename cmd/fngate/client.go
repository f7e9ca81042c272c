package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"
)

const defaultServer = "http://localhost:8080"

// clientOpts are the flags shared by every remote subcommand.
type clientOpts struct {
	server string
	apiKey string
}

func (o *clientOpts) take(args []string, i int) (int, bool) {
	switch args[i] {
	case "--server":
		i++
		if i >= len(args) {
			fmt.Fprintln(os.Stderr, "--server requires a value")
			os.Exit(1)
		}
		o.server = args[i]
		return i, true
	case "--api-key":
		i++
		if i >= len(args) {
			fmt.Fprintln(os.Stderr, "--api-key requires a value")
			os.Exit(1)
		}
		o.apiKey = args[i]
		return i, true
	}
	return i, false
}

func (o *clientOpts) resolve() {
	if o.server == "" {
		o.server = defaultServer
	}
	o.server = strings.TrimRight(o.server, "/")
	if o.apiKey == "" {
		o.apiKey = os.Getenv("FNGATE_API_KEY")
	}
}

// send issues one JSON request and prints the response body. A non-2xx
// status is reported on stderr and exits nonzero.
func send(opts clientOpts, method, path string, body any) {
	opts.resolve()

	var payload io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		payload = bytes.NewReader(b)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, method, opts.server+path, payload)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if opts.apiKey != "" {
		req.Header.Set("X-API-Key", opts.apiKey)
	}

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	out, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	if resp.StatusCode >= 300 {
		fmt.Fprintf(os.Stderr, "%s %s: %s\n%s\n", method, path, resp.Status, indentJSON(out))
		os.Exit(1)
	}
	fmt.Println(indentJSON(out))
}

func indentJSON(b []byte) string {
	var buf bytes.Buffer
	if err := json.Indent(&buf, bytes.TrimSpace(b), "", "  "); err != nil {
		return string(b)
	}
	return buf.String()
}

func deploy(args []string) {
	var opts clientOpts
	var filePath string
	var sourcePath string

	for i := 0; i < len(args); i++ {
		if j, ok := opts.take(args, i); ok {
			i = j
			continue
		}
		switch args[i] {
		case "--file":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--file requires a value")
				os.Exit(1)
			}
			filePath = args[i]
		case "--source":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--source requires a value")
				os.Exit(1)
			}
			sourcePath = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if filePath == "" {
		usage()
		os.Exit(1)
	}

	payload, err := os.ReadFile(filePath)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
	var body map[string]any
	if err := json.Unmarshal(payload, &body); err != nil {
		fmt.Fprintf(os.Stderr, "parse %s: %v\n", filePath, err)
		os.Exit(1)
	}
	if sourcePath != "" {
		src, err := os.ReadFile(sourcePath)
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			os.Exit(1)
		}
		body["source"] = string(src)
	}

	send(opts, http.MethodPost, "/v1/api/functions/", body)
}

func invoke(args []string) {
	var opts clientOpts
	var id string
	var version string
	var input string

	for i := 0; i < len(args); i++ {
		if j, ok := opts.take(args, i); ok {
			i = j
			continue
		}
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--id requires a value")
				os.Exit(1)
			}
			id = args[i]
		case "--version":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--version requires a value")
				os.Exit(1)
			}
			version = args[i]
		case "--input":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--input requires a value")
				os.Exit(1)
			}
			input = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" {
		usage()
		os.Exit(1)
	}

	var body map[string]any
	if input != "" {
		if err := json.Unmarshal([]byte(input), &body); err != nil {
			fmt.Fprintf(os.Stderr, "parse --input: %v\n", err)
			os.Exit(1)
		}
	}

	path := "/v1/functions/" + url.PathEscape(id)
	if version != "" {
		path += "?version=" + url.QueryEscape(version)
	}
	send(opts, http.MethodPost, path, body)
}

func rollback(args []string) {
	var opts clientOpts
	var id string
	var version string

	for i := 0; i < len(args); i++ {
		if j, ok := opts.take(args, i); ok {
			i = j
			continue
		}
		switch args[i] {
		case "--id":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--id requires a value")
				os.Exit(1)
			}
			id = args[i]
		case "--version":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--version requires a value")
				os.Exit(1)
			}
			version = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}
	if id == "" || version == "" {
		usage()
		os.Exit(1)
	}

	send(opts, http.MethodPost, "/v1/api/functions/"+url.PathEscape(id)+"/rollback",
		map[string]any{"version": version})
}

func list(args []string) {
	var opts clientOpts
	var kind string
	var tag string

	for i := 0; i < len(args); i++ {
		if j, ok := opts.take(args, i); ok {
			i = j
			continue
		}
		switch args[i] {
		case "--kind":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--kind requires a value")
				os.Exit(1)
			}
			kind = args[i]
		case "--tag":
			i++
			if i >= len(args) {
				fmt.Fprintln(os.Stderr, "--tag requires a value")
				os.Exit(1)
			}
			tag = args[i]
		default:
			fmt.Fprintf(os.Stderr, "unknown arg: %s\n", args[i])
			os.Exit(1)
		}
	}

	q := url.Values{}
	if kind != "" {
		q.Set("kind", kind)
	}
	if tag != "" {
		q.Set("tag", tag)
	}
	path := "/v1/api/functions/"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}
	send(opts, http.MethodGet, path, nil)
}
