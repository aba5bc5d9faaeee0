package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	httpapi "github.com/fyrsmithlabs/issuepilot/internal/http"
	"github.com/fyrsmithlabs/issuepilot/internal/job"
)

var (
	retryFeedback string
	jobsStatus    string
)

// jobsCmd lists jobs or shows one job's history
var jobsCmd = &cobra.Command{
	Use:   "jobs [id]",
	Short: "List jobs, or show one job with its iterations and audit log",
	Long: `List jobs known to a running issuepilot server, or show one job in detail.

Examples:
  # Jobs that need a human
  issuepilot jobs --status FAILED,AWAITING_APPROVAL

  # One job as JSON
  issuepilot jobs 42`,
	Args: cobra.MaximumNArgs(1),
	RunE: runJobs,
}

// retryCmd records a human override
var retryCmd = &cobra.Command{
	Use:   "retry <job-id>",
	Short: "Run a failed or escalated job again with fresh budgets",
	Long: `Record a human override for a finished job. Budgets reset, the feedback
is passed to the next generation, and the job is admitted on the next cycle.

Examples:
  issuepilot retry 42 --feedback "Use the v2 client; v1 is deprecated."`,
	Args: cobra.ExactArgs(1),
	RunE: runRetry,
}

// admissionCmd shows or flips the admission switch
var admissionCmd = &cobra.Command{
	Use:   "admission [on|off]",
	Short: "Show or set whether new jobs are admitted",
	Long: `Show or set the admission switch. Jobs already running are not affected
when admission is turned off.

Examples:
  issuepilot admission
  issuepilot admission off`,
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: []string{"on", "off"},
	RunE:      runAdmission,
}

func init() {
	jobsCmd.Flags().StringVar(&jobsStatus, "status", "", "comma-separated statuses to list")
	retryCmd.Flags().StringVar(&retryFeedback, "feedback", "", "guidance passed to the next generation attempt")
}

func runJobs(cmd *cobra.Command, args []string) error {
	if len(args) == 1 {
		id, err := parseJobID(args[0])
		if err != nil {
			return err
		}
		var detail httpapi.JobDetail
		if err := call(http.MethodGet, fmt.Sprintf("/api/v1/jobs/%d", id), nil, &detail); err != nil {
			return err
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(detail)
	}

	path := "/api/v1/jobs"
	if jobsStatus != "" {
		path += "?status=" + strings.ToUpper(jobsStatus)
	}
	var jobs []job.Job
	if err := call(http.MethodGet, path, nil, &jobs); err != nil {
		return err
	}
	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tREPO\tISSUE\tSTATUS\tPHASE\tITER\tREVIEW\tPR")
	for _, j := range jobs {
		pr := "-"
		if j.ArtifactID > 0 {
			pr = "#" + strconv.Itoa(j.ArtifactID)
		}
		phase := string(j.CurrentPhase)
		if phase == "" {
			phase = "-"
		}
		fmt.Fprintf(tw, "%d\t%s\t#%d\t%s\t%s\t%d\t%d\t%s\n",
			j.ID, j.Repo, j.ExternalID, j.Status, phase, j.CurrentIteration, j.CurrentReviewIteration, pr)
	}
	return tw.Flush()
}

func runRetry(cmd *cobra.Command, args []string) error {
	id, err := parseJobID(args[0])
	if err != nil {
		return err
	}
	var j job.Job
	req := httpapi.RetryRequest{Feedback: retryFeedback}
	if err := call(http.MethodPost, fmt.Sprintf("/api/v1/jobs/%d/retry", id), req, &j); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Job %d (%s#%d) queued for another attempt\n", j.ID, j.Repo, j.ExternalID)
	return nil
}

func runAdmission(cmd *cobra.Command, args []string) error {
	var resp httpapi.AdmissionResponse
	if len(args) == 0 {
		if err := call(http.MethodGet, "/api/v1/admission", nil, &resp); err != nil {
			return err
		}
	} else {
		var on bool
		switch args[0] {
		case "on":
			on = true
		case "off":
		default:
			return fmt.Errorf("expected on or off, got %q", args[0])
		}
		if err := call(http.MethodPost, "/api/v1/admission", httpapi.AdmissionRequest{Enabled: &on}, &resp); err != nil {
			return err
		}
	}
	state := "disabled"
	if resp.Enabled {
		state = "enabled"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Admission: %s\n", state)
	return nil
}

func parseJobID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid job id %q", s)
	}
	return id, nil
}

// call sends a JSON request to the control API and decodes the response into
// out.
func call(method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		reqJSON, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		reader = bytes.NewReader(reqJSON)
	}

	url := strings.TrimRight(serverURL, "/") + path
	httpReq, err := http.NewRequest(method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{
		Timeout: 30 * time.Second,
	}
	resp, err := client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to send request to %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode/100 != 2 {
		respBody, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return fmt.Errorf("server returned status %d (failed to read response body: %w)", resp.StatusCode, readErr)
		}
		return fmt.Errorf("server returned status %d: %s", resp.StatusCode, strings.TrimSpace(string(respBody)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}
