package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"courier/internal/security"
)

// secretParam is one entry of the secret inventory.
type secretParam struct {
	Name     string
	Prompt   string
	Generate int // random bytes to generate; 0 means ask the operator
	Optional bool
	Validate func(string) error
}

// secretInventory lists the parameters the services resolve through
// <NAME>_SSM_PARAM.
var secretInventory = []secretParam{
	{Name: "DATABASE_URL", Prompt: "Postgres connection URL", Validate: validateURL("postgres", "postgresql")},
	{Name: "REDIS_URL", Prompt: "Redis URL (empty to use in-process counters)", Optional: true, Validate: validateURL("redis", "rediss")},
	{Name: "ENCRYPTION_KEY", Generate: 32},
	{Name: "INTERNAL_API_KEY", Generate: 32},
}

func validateURL(schemes ...string) func(string) error {
	return func(v string) error {
		u, err := url.Parse(v)
		if err != nil || u.Host == "" {
			return errors.New("not a valid URL")
		}
		for _, s := range schemes {
			if u.Scheme == s {
				return nil
			}
		}
		return fmt.Errorf("scheme must be one of %s", strings.Join(schemes, ", "))
	}
}

// Runner walks the inventory: existing parameters are kept unless Rotate
// is set, generated secrets never reach the console, prompted values are
// read from In.
type Runner struct {
	SSM    *SSMManager
	In     io.Reader
	Out    io.Writer
	Rotate bool

	scanner *bufio.Scanner
}

// Result reports what happened to each parameter.
type Result struct {
	Written []string
	Kept    []string
	Skipped []string
}

func (r *Runner) Run(ctx context.Context) (*Result, error) {
	r.scanner = bufio.NewScanner(r.In)
	res := &Result{}

	for _, param := range secretInventory {
		path := r.SSM.Path(param.Name)

		exists, err := r.SSM.Exists(ctx, path)
		if err != nil {
			return res, err
		}
		// Rotating a prompted value would only ask for the same input again.
		if exists && (!r.Rotate || param.Generate == 0) {
			res.Kept = append(res.Kept, param.Name)
			continue
		}

		value, err := r.valueFor(param)
		if err != nil {
			return res, fmt.Errorf("%s: %w", param.Name, err)
		}
		if value == "" {
			res.Skipped = append(res.Skipped, param.Name)
			continue
		}

		if err := r.SSM.PutSecret(ctx, path, value, exists); err != nil {
			return res, err
		}
		res.Written = append(res.Written, param.Name)
	}
	return res, nil
}

func (r *Runner) valueFor(param secretParam) (string, error) {
	if param.Generate > 0 {
		return security.RandomToken(param.Generate)
	}

	for {
		fmt.Fprintf(r.Out, "%s: ", param.Prompt)
		if !r.scanner.Scan() {
			if err := r.scanner.Err(); err != nil {
				return "", err
			}
			return "", io.ErrUnexpectedEOF
		}
		v := strings.TrimSpace(r.scanner.Text())
		if v == "" {
			if param.Optional {
				return "", nil
			}
			fmt.Fprintln(r.Out, "  a value is required")
			continue
		}
		if param.Validate != nil {
			if err := param.Validate(v); err != nil {
				fmt.Fprintf(r.Out, "  %v\n", err)
				continue
			}
		}
		return v, nil
	}
}

// WriteParamEnv prints the <NAME>_SSM_PARAM lines for the deployment
// environment of every parameter that now exists.
func WriteParamEnv(w io.Writer, m *SSMManager, res *Result) {
	for _, param := range secretInventory {
		if contains(res.Written, param.Name) || contains(res.Kept, param.Name) {
			fmt.Fprintf(w, "%s_SSM_PARAM=%s\n", param.Name, m.Path(param.Name))
		}
	}
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
