package queue

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"github.com/ensequil/ensequil/abfe"
)

// CommandRunner executes an external command and returns its combined output.
type CommandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

// ExecRunner runs commands with os/exec.
func ExecRunner(ctx context.Context, name string, args ...string) ([]byte, error) {
	return exec.CommandContext(ctx, name, args...).CombinedOutput()
}

// SlurmConfig configures a SlurmClient.
type SlurmConfig struct {
	User      string  // defaults to $USER
	RateLimit float64 // scheduler calls per second, 0 = unlimited
	Burst     int
}

// SlurmClient drives sbatch, squeue and scancel.
type SlurmClient struct {
	user    string
	limiter *rate.Limiter
	run     CommandRunner
}

// NewSlurmClient creates a client. A nil runner uses ExecRunner.
func NewSlurmClient(cfg SlurmConfig, runner CommandRunner) *SlurmClient {
	c := &SlurmClient{user: cfg.User, run: runner}
	if c.user == "" {
		c.user = os.Getenv("USER")
	}
	if c.run == nil {
		c.run = ExecRunner
	}
	if cfg.RateLimit > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), burst)
	}
	return c
}

func (c *SlurmClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("slurm rate limiter: %w: %w", abfe.ErrTransientScheduler, err)
	}
	return nil
}

// Submit runs "sbatch <command>" and parses the job id.
func (c *SlurmClient) Submit(ctx context.Context, command string) (int, error) {
	if err := c.wait(ctx); err != nil {
		return 0, err
	}
	out, err := c.run(ctx, "sbatch", strings.Fields(command)...)
	if err != nil {
		return 0, fmt.Errorf("sbatch: %s: %w: %w", strings.TrimSpace(string(out)), abfe.ErrTransientScheduler, err)
	}
	return ParseSbatchOutput(string(out))
}

// ActiveIDs runs "squeue -h -u USER -o %i".
func (c *SlurmClient) ActiveIDs(ctx context.Context) (map[int]struct{}, error) {
	if err := c.wait(ctx); err != nil {
		return nil, err
	}
	out, err := c.run(ctx, "squeue", "-h", "-u", c.user, "-o", "%i")
	if err != nil {
		return nil, fmt.Errorf("squeue: %s: %w: %w", strings.TrimSpace(string(out)), abfe.ErrTransientScheduler, err)
	}
	return ParseSqueueOutput(string(out))
}

// Cancel runs "scancel <id>".
func (c *SlurmClient) Cancel(ctx context.Context, id int) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	out, err := c.run(ctx, "scancel", strconv.Itoa(id))
	if err != nil {
		return fmt.Errorf("scancel %d: %s: %w: %w", id, strings.TrimSpace(string(out)), abfe.ErrTransientScheduler, err)
	}
	return nil
}

// ParseSbatchOutput extracts the id from "Submitted batch job N".
func ParseSbatchOutput(out string) (int, error) {
	fields := strings.Fields(out)
	if len(fields) == 0 {
		return 0, fmt.Errorf("empty sbatch output: %w", abfe.ErrTransientScheduler)
	}
	id, err := strconv.Atoi(fields[len(fields)-1])
	if err != nil {
		return 0, fmt.Errorf("unexpected sbatch output %q: %w", strings.TrimSpace(out), abfe.ErrTransientScheduler)
	}
	return id, nil
}

// arrayJobID matches array task ids such as "123_4" and "123_[5-9]".
var arrayJobID = regexp.MustCompile(`^\d+_(\d+|\[.*\])$`)

// ParseSqueueOutput reads one job id per line. Array job ids ("123_4",
// "123_[5-9]") are skipped; any other non-integer line is an error, so
// scheduler error text never reads as an empty queue.
func ParseSqueueOutput(out string) (map[int]struct{}, error) {
	ids := make(map[int]struct{})
	for _, line := range strings.Split(out, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || arrayJobID.MatchString(line) {
			continue
		}
		id, err := strconv.Atoi(line)
		if err != nil {
			return nil, fmt.Errorf("unexpected squeue line %q: %w", line, abfe.ErrTransientScheduler)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}
