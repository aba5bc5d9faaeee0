// Package logging provides structured logging for issuepilot.
//
// # Overview
//
// The package wraps Zap with:
//   - Custom Trace level (-2, below Debug)
//   - Dual output (stdout + OpenTelemetry)
//   - Automatic job correlation fields (job id, repository, issue, phase)
//   - Secret redaction at the encoder
//   - Level-aware sampling (errors never sampled)
//
// # Usage
//
//	logger, err := logging.NewLogger(logging.NewDefaultConfig(), nil)
//	if err != nil {
//	    return err
//	}
//	defer logger.Sync()
//
//	ctx = logging.WithJob(ctx, logging.JobFields{ID: 42, Repo: "acme/api", Issue: 17})
//	logger.Info(ctx, "phase started", zap.String("phase", "implementation"))
//
// Output:
//
//	{"ts":"2026-10-19T10:15:30Z","level":"info","msg":"phase started",
//	 "job.id":42,"job.repo":"acme/api","job.issue":17,"phase":"implementation"}
//
// # Testing
//
//	tl := logging.NewTestLogger()
//	tl.Warn(ctx, "dependency cycle detected")
//	tl.AssertLogged(t, zapcore.WarnLevel, "dependency cycle")
package logging
