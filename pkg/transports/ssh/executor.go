package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"golang.org/x/crypto/ssh"
)

// Run executes cmd on the remote host and returns its exit status.
//
// When ctx ends the remote process receives SIGINT so the tool can release
// its state lock, then SIGKILL once the kill grace has passed. The returned
// error then wraps ctx.Err().
func (c *SSHClient) Run(ctx context.Context, cmd RemoteCommand) (int, error) {
	if len(cmd.Args) == 0 {
		return -1, &TransportError{Op: "exec", Err: fmt.Errorf("empty command")}
	}

	client, err := c.getClient()
	if err != nil {
		return -1, err
	}

	session, err := client.NewSession()
	if err != nil {
		return -1, &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	session.Stdout = writerOrDiscard(cmd.Stdout)
	session.Stderr = writerOrDiscard(cmd.Stderr)

	line := cmd.shellLine()
	startTime := time.Now()
	c.logger.Debug().Str("command", cmd.Args[0]).Str("dir", cmd.Dir).Msg("executing remote command")

	if err := session.Start(line); err != nil {
		return -1, &TransportError{Op: "exec", Err: fmt.Errorf("failed to start command: %w", err), IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() {
		done <- session.Wait()
	}()

	select {
	case err := <-done:
		code, err := exitStatus(err)
		c.logger.Debug().
			Str("command", cmd.Args[0]).
			Int("exit_code", code).
			Dur("duration", time.Since(startTime)).
			Msg("remote command completed")
		return code, err

	case <-ctx.Done():
		c.interrupt(session, done, cmd.KillGrace)
		return -1, &TransportError{Op: "exec", Err: ctx.Err()}
	}
}

// interrupt sends SIGINT, escalating to SIGKILL after grace, and waits for
// the session to end.
func (c *SSHClient) interrupt(session *ssh.Session, done <-chan error, grace time.Duration) {
	if grace <= 0 {
		grace = DefaultKillGrace
	}

	c.logger.Warn().Dur("grace", grace).Msg("interrupting remote command")
	_ = session.Signal(ssh.SIGINT)

	timer := time.NewTimer(grace)
	defer timer.Stop()

	select {
	case <-done:
		return
	case <-timer.C:
	}

	c.logger.Warn().Msg("remote command ignored interrupt, killing")
	_ = session.Signal(ssh.SIGKILL)
	_ = session.Close()
	<-done
}

// exitStatus converts a session result into an exit code. Only failures of
// the transport itself are returned as errors.
func exitStatus(err error) (int, error) {
	if err == nil {
		return 0, nil
	}

	var exitErr *ssh.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitStatus(), nil
	}

	// Includes *ssh.ExitMissingError: the connection dropped mid-command.
	return -1, &TransportError{Op: "exec", Err: err, IsTemporary: true}
}

// shellLine renders the command for the remote login shell. The environment
// is passed through env(1) so it does not depend on AcceptEnv on the server.
func (cmd RemoteCommand) shellLine() string {
	var b strings.Builder
	if cmd.Dir != "" {
		b.WriteString("cd ")
		b.WriteString(shellQuote(cmd.Dir))
		b.WriteString(" && ")
	}

	b.WriteString("exec env")
	if len(cmd.Env) > 0 {
		b.WriteString(" -i")
		for _, kv := range cmd.Env {
			b.WriteByte(' ')
			b.WriteString(shellQuote(kv))
		}
	}

	for _, arg := range cmd.Args {
		b.WriteByte(' ')
		b.WriteString(shellQuote(arg))
	}

	return b.String()
}

// shellQuote wraps s in single quotes for a POSIX shell.
func shellQuote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func writerOrDiscard(w io.Writer) io.Writer {
	if w == nil {
		return io.Discard
	}
	return w
}
