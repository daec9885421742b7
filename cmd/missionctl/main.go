package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	server := flag.String("server", "http://localhost:8080", "workforce server URL")
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		usage()
		os.Exit(1)
	}

	switch args[0] {
	case "launch":
		if len(args) < 2 {
			printError("usage: missionctl launch <request>")
			os.Exit(1)
		}
		launch(*server, args[1])
	case "list":
		list(*server)
	case "status":
		requireID(args)
		status(*server, args[1])
	case "report":
		requireID(args)
		report(*server, args[1])
	case "log":
		requireID(args)
		tail(*server, args[1])
	case "abort":
		requireID(args)
		abort(*server, args[1])
	case "workers":
		workers(*server)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Println("missionctl - workforce mission control")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  launch <request>   plan and start a mission")
	fmt.Println("  list               list missions")
	fmt.Println("  status <id>        show a mission snapshot")
	fmt.Println("  report <id>        show the final report")
	fmt.Println("  log <id>           print the activity log")
	fmt.Println("  abort <id>         abort a running mission")
	fmt.Println("  workers            list registered workers")
}

func requireID(args []string) {
	if len(args) < 2 {
		printError("mission id required")
		os.Exit(1)
	}
}

func launch(server, request string) {
	body, _ := json.Marshal(map[string]string{"request": request})
	client := &http.Client{Timeout: 120 * time.Second}
	resp, err := client.Post(server+"/api/missions", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("request failed: %v", err)
		os.Exit(1)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusCreated {
		data, _ := io.ReadAll(resp.Body)
		printError("server error (%d): %s", resp.StatusCode, string(data))
		os.Exit(1)
	}
	var out struct {
		ID string `json:"id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		printError("failed to parse response: %v", err)
		os.Exit(1)
	}
	fmt.Printf("mission launched: %s\n", out.ID)
}

func list(server string) {
	var snaps []struct {
		ID        string `json:"id"`
		Request   string `json:"request"`
		Status    string `json:"status"`
		StartedAt string `json:"started_at"`
	}
	if !getJSON(server+"/api/missions", &snaps) {
		return
	}
	if len(snaps) == 0 {
		fmt.Println("no missions")
		return
	}
	for _, s := range snaps {
		req := s.Request
		if len(req) > 60 {
			req = req[:57] + "..."
		}
		fmt.Printf("%s  %-10s  %s\n", s.ID, s.Status, req)
	}
}

func status(server, id string) {
	var snap struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Tasks  []struct {
			ID         string `json:"id"`
			Status     string `json:"status"`
			AssignedTo string `json:"assigned_to,omitempty"`
			Attempts   int    `json:"attempts"`
		} `json:"tasks"`
	}
	if !getJSON(server+"/api/missions/"+id, &snap) {
		return
	}
	fmt.Printf("mission %s: %s\n", snap.ID, snap.Status)
	for _, t := range snap.Tasks {
		line := fmt.Sprintf("  %-12s %s", t.ID, t.Status)
		if t.AssignedTo != "" {
			line += " -> " + t.AssignedTo
		}
		if t.Attempts > 1 {
			line += fmt.Sprintf(" (attempts: %d)", t.Attempts)
		}
		fmt.Println(line)
	}
}

func report(server, id string) {
	resp, err := http.Get(server + "/api/missions/" + id + "/report")
	if err != nil {
		printError("request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusConflict {
		fmt.Println("mission still running")
		return
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	var r struct {
		Status         string `json:"status"`
		PartialFailure bool   `json:"partial_failure"`
		Completed      int    `json:"completed"`
		Failed         []struct {
			TaskID string `json:"task_id"`
			Code   string `json:"code,omitempty"`
			Reason string `json:"reason,omitempty"`
		} `json:"failed"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&r); err != nil {
		printError("failed to parse report: %v", err)
		return
	}
	label := r.Status
	if r.PartialFailure {
		label += " (partial failure)"
	}
	fmt.Printf("mission %s: %s, %d task(s) completed\n", id, label, r.Completed)
	for _, f := range r.Failed {
		fmt.Printf("  \033[31mfailed\033[0m %s [%s] %s\n", f.TaskID, f.Code, f.Reason)
	}
}

func tail(server, id string) {
	var entries []struct {
		Seq      uint64 `json:"seq"`
		Kind     string `json:"kind"`
		TaskID   string `json:"task_id,omitempty"`
		WorkerID string `json:"worker_id,omitempty"`
	}
	if !getJSON(server+"/api/missions/"+id+"/log", &entries) {
		return
	}
	for _, e := range entries {
		fmt.Printf("%4d  %-16s %-12s %s\n", e.Seq, e.Kind, e.TaskID, e.WorkerID)
	}
}

func abort(server, id string) {
	body, _ := json.Marshal(map[string]string{"reason": "aborted from CLI"})
	resp, err := http.Post(server+"/api/missions/"+id+"/abort", "application/json", bytes.NewReader(body))
	if err != nil {
		printError("request failed: %v", err)
		return
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		data, _ := io.ReadAll(resp.Body)
		printError("server error (%d): %s", resp.StatusCode, string(data))
		return
	}
	fmt.Println("abort requested")
}

func workers(server string) {
	var ws []struct {
		ID         string   `json:"id"`
		Name       string   `json:"name"`
		ToolScopes []string `json:"tool_scopes"`
		Status     string   `json:"status"`
	}
	if !getJSON(server+"/api/workers", &ws) {
		return
	}
	if len(ws) == 0 {
		fmt.Println("no workers registered")
		return
	}
	for _, w := range ws {
		fmt.Printf("%-20s %-16s %v\n", w.ID, w.Name, w.ToolScopes)
	}
}

func getJSON(url string, v interface{}) bool {
	resp, err := http.Get(url)
	if err != nil {
		printError("request failed: %v", err)
		return false
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		printError("server error (%d): %s", resp.StatusCode, string(data))
		return false
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		printError("failed to parse response: %v", err)
		return false
	}
	return true
}

func printError(format string, args ...interface{}) {
	fmt.Fprintf(os.Stderr, "\033[31m"+format+"\033[0m\n", args...)
}
