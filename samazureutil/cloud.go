/*
Copyright © 2018 the SAMAzure authors.
This file is part of SAMAzure.

SAMAzure is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

SAMAzure is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with SAMAzure.  If not, see <http://www.gnu.org/licenses/>.
*/

package samazureutil

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/fatih/color"
	"github.com/lnashier/viper"
	"github.com/samazure/samazure"
	"github.com/samazure/samazure/cloud"
	"github.com/samazure/samazure/results"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
)

// JoinedResults is the name of the default combined results file.
const JoinedResults = "results_joined.csv"

// submission is a case ready to be submitted, along with the manifest
// of an earlier submission of the same project, if there is one.
type submission struct {
	cs   *samazure.Case
	path string
	prev *cloud.Manifest
}

// prepare discovers the case of the named workload and loads the manifest
// of any earlier submission of the configured project. Unless force is
// set, an earlier submission of different inputs is an error.
func prepare(cfg *viper.Viper, c *cloud.Client, workload string) (*submission, error) {
	w, err := Workload(cfg, workload)
	if err != nil {
		return nil, err
	}
	cs, err := samazure.DiscoverCase(c.Fs, caseDir(cfg, workload), w)
	if err != nil {
		return nil, err
	}
	path, err := manifestPath(cfg)
	if err != nil {
		return nil, err
	}
	s := &submission{cs: cs, path: path}
	prev, err := cloud.LoadManifest(c.Fs, path)
	if errors.Is(err, os.ErrNotExist) {
		return s, nil
	} else if err != nil {
		return nil, err
	}
	if cfg.GetBool("force") {
		return s, nil
	}
	fp, err := cloud.Fingerprint(cs)
	if err != nil {
		return nil, err
	}
	if prev.Fingerprint != fp || prev.Workload != w.Name() {
		return nil, fmt.Errorf("samazure: project %s already has a submission of different inputs "+
			"(manifest %s); delete it or choose another project id", prev.Project, path)
	}
	s.prev = prev
	return s, nil
}

// Submit submits the case of the named workload and saves its manifest.
// If the same inputs were already submitted under the configured project,
// the earlier submission is returned instead.
func Submit(ctx context.Context, cfg *viper.Viper, workload string) (*cloud.Manifest, error) {
	if strings.EqualFold(cfg.GetString("backend"), "local") {
		return nil, fmt.Errorf("samazure: the local backend runs tasks within this program; use the run command instead")
	}
	c, release, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	defer release()
	s, err := prepare(cfg, c, workload)
	if err != nil {
		return nil, err
	}
	if s.prev != nil {
		c.Log.WithFields(logrus.Fields{"project": s.prev.Project, "manifest": s.path}).
			Info("samazure: case already submitted")
		return s.prev, nil
	}
	m, err := c.Submit(ctx, cfg.GetString("project-id"), s.cs)
	if err != nil {
		return nil, err
	}
	if err := save(c, m, s.path); err != nil {
		return m, err
	}
	return m, nil
}

func save(c *cloud.Client, m *cloud.Manifest, path string) error {
	if err := m.Save(c.Fs, path); err != nil {
		return err
	}
	c.Log.WithFields(logrus.Fields{"project": m.Project, "manifest": path}).Info("samazure: saved manifest")
	return nil
}

// Run submits the case of the named workload, waits for it to complete,
// downloads its results and deletes the selected resources. If the same
// inputs were already submitted under the configured project and their
// jobs still exist, that submission is collected instead.
func Run(ctx context.Context, cfg *viper.Viper, workload string) (*cloud.Manifest, error) {
	c, release, err := NewClient(cfg)
	if err != nil {
		return nil, err
	}
	defer release()
	s, err := prepare(cfg, c, workload)
	if err != nil {
		return nil, err
	}
	timeout, err := duration(cfg, "timeout")
	if err != nil {
		return nil, err
	}
	opts := cloud.RunOptions{
		Timeout:    timeout,
		ResultsDir: resultsDir(cfg, s.cs.Dir),
		Delete:     deleteOptions(cfg),
		Submitted:  func(m *cloud.Manifest) error { return save(c, m, s.path) },
	}
	log := c.Log.WithField("manifest", s.path)

	var m *cloud.Manifest
	if s.prev != nil {
		_, serr := c.Status(ctx, s.prev)
		switch {
		case errors.Is(serr, cloud.ErrNotFound):
			log.Info("samazure: earlier submission no longer exists; resubmitting")
		case serr != nil:
			return nil, serr
		default:
			log.Info("samazure: resuming earlier submission")
			m = s.prev
			err = c.Collect(ctx, m, opts)
		}
	}
	if m == nil {
		m, err = c.Run(ctx, cfg.GetString("project-id"), s.cs, opts)
		if m == nil {
			return nil, err
		}
	}
	if err == nil && opts.Delete == (cloud.DeleteOptions{Jobs: true, Pools: true, Container: true}) {
		if rerr := c.Fs.Remove(s.path); rerr != nil {
			log.Warnf("samazure: removing manifest: %v", rerr)
		}
	}
	return m, err
}

// loadSubmission returns a client for the configured backend and the
// manifest of the configured project.
func loadSubmission(cfg *viper.Viper) (*cloud.Client, *cloud.Manifest, string, func() error, error) {
	c, release, err := NewClient(cfg)
	if err != nil {
		return nil, nil, "", nil, err
	}
	path, err := manifestPath(cfg)
	if err != nil {
		release()
		return nil, nil, "", nil, err
	}
	m, err := cloud.LoadManifest(c.Fs, path)
	if err != nil {
		release()
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil, "", nil, fmt.Errorf("samazure: no submission found for project %s: %v", cfg.GetString("project-id"), err)
		}
		return nil, nil, "", nil, err
	}
	return c, m, path, release, nil
}

// Status writes the state of the tasks of the configured project to w.
func Status(ctx context.Context, cfg *viper.Viper, w io.Writer) (*cloud.Status, error) {
	c, m, _, release, err := loadSubmission(cfg)
	if err != nil {
		return nil, err
	}
	defer release()
	st, err := c.Status(ctx, m)
	if err != nil {
		return nil, err
	}
	printStatus(w, m, st)
	return st, nil
}

func printStatus(w io.Writer, m *cloud.Manifest, st *cloud.Status) {
	red, yellow, green := color.New(color.FgRed), color.New(color.FgYellow), color.New(color.FgGreen)
	fmt.Fprintf(w, "project %s: %s case %s with %d tasks, submitted %s\n",
		m.Project, m.Workload, m.CaseDir, len(m.Tasks), m.Created.Format("2006-01-02 15:04:05 MST"))
	for _, j := range st.Jobs {
		fmt.Fprintf(w, "  job %s: %d active, %d preparing, %d running, %d completed\n", j.ID,
			j.Counts[cloud.TaskActive], j.Counts[cloud.TaskPreparing], j.Counts[cloud.TaskRunning], j.Counts[cloud.TaskCompleted])
	}
	for _, f := range st.Failed() {
		code := "unknown"
		if f.ExitCode != nil {
			code = strconv.Itoa(*f.ExitCode)
		}
		red.Fprintf(w, "  failed task %s (exit code %s): %s\n", f.ID, code, f.Failure)
	}
	for _, o := range st.MissingOutputs {
		yellow.Fprintf(w, "  missing output %s\n", o)
	}
	if n := st.Incomplete(); n > 0 {
		fmt.Fprintf(w, "%d of %d tasks incomplete\n", n, len(m.Tasks))
	} else {
		green.Fprintf(w, "all %d tasks completed\n", len(m.Tasks))
	}
}

// Wait waits for the tasks of the configured project to complete.
func Wait(ctx context.Context, cfg *viper.Viper) error {
	c, m, _, release, err := loadSubmission(cfg)
	if err != nil {
		return err
	}
	defer release()
	timeout, err := duration(cfg, "timeout")
	if err != nil {
		return err
	}
	return c.Wait(ctx, m, timeout)
}

// Output downloads the outputs of the configured project and, if an
// archive bucket is configured, copies them there.
func Output(ctx context.Context, cfg *viper.Viper) error {
	c, m, _, release, err := loadSubmission(cfg)
	if err != nil {
		return err
	}
	defer release()
	if _, err := c.Output(ctx, m, resultsDir(cfg, m.CaseDir)); err != nil {
		return err
	}
	archive := cfg.GetString("archive")
	if archive == "" {
		return nil
	}
	b, err := cloud.OpenBucket(ctx, os.ExpandEnv(archive))
	if err != nil {
		return err
	}
	defer b.Close()
	return c.Archive(ctx, m, b, m.Project)
}

// Delete deletes the selected resources of the configured project. The
// manifest is removed once all of them have been deleted.
func Delete(ctx context.Context, cfg *viper.Viper) error {
	c, m, path, release, err := loadSubmission(cfg)
	if err != nil {
		return err
	}
	defer release()
	opts := deleteOptions(cfg)
	if err := c.Delete(ctx, m, opts); err != nil {
		return err
	}
	if opts == (cloud.DeleteOptions{Jobs: true, Pools: true, Container: true}) {
		if err := c.Fs.Remove(path); err != nil {
			return fmt.Errorf("samazure: removing manifest: %v", err)
		}
		c.Log.WithField("manifest", path).Info("samazure: removed manifest")
	}
	return nil
}

// Combine joins the downloaded results of the named workload into a CSV
// file and, if configured, an Excel workbook, and reports them to w.
func Combine(cfg *viper.Viper, workload string, w io.Writer) error {
	wl, err := Workload(cfg, workload)
	if err != nil {
		return err
	}
	fs := afero.NewOsFs()
	dir := resultsDir(cfg, caseDir(cfg, workload))
	tbl, err := results.Combine(fs, dir, filepath.Ext(wl.OutputPattern()))
	if err != nil {
		return err
	}
	out := os.ExpandEnv(cfg.GetString("out"))
	if out == "" {
		out = filepath.Join(filepath.Dir(filepath.Clean(dir)), JoinedResults)
	}
	if err := writeFile(fs, out, tbl.WriteCSV); err != nil {
		return err
	}
	fmt.Fprintf(w, "combined %d rows into %s\n", len(tbl.Rows), out)
	if x := os.ExpandEnv(cfg.GetString("xlsx")); x != "" {
		if err := writeFile(fs, x, tbl.WriteXLSX); err != nil {
			return err
		}
		fmt.Fprintf(w, "wrote workbook %s\n", x)
	}
	return nil
}

func writeFile(fs afero.Fs, path string, write func(io.Writer) error) error {
	f, err := fs.Create(path)
	if err != nil {
		return fmt.Errorf("samazure: %v", err)
	}
	if err := write(f); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
