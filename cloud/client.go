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

package cloud

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff"
	"github.com/samazure/samazure"
	"github.com/samazure/samazure/internal/hash"
	"github.com/sirupsen/logrus"
	"github.com/spf13/afero"
	"gocloud.dev/blob"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"
	utilerrors "k8s.io/apimachinery/pkg/util/errors"
)

// Client submits simulation cases to a batch service and manages
// the resulting cloud resources.
type Client struct {
	Batch Batch
	Store Store

	// Fs is where downloaded results are written.
	Fs afero.Fs

	Log logrus.FieldLogger

	// VMSize is the virtual machine size of pool nodes.
	VMSize string

	// MaxNodes caps the auto-scaled size of each pool.
	MaxNodes int

	// TaskSlotsPerNode is the number of tasks run at once on a node.
	TaskSlotsPerNode int

	// AutoScaleInterval is how often pool sizes are re-evaluated.
	AutoScaleInterval time.Duration

	// StartCommands run on each node as it joins a pool.
	StartCommands []string

	// Image selects the node image. If it is the zero value no image
	// is selected and tasks are assumed to run on Linux.
	Image ImageQuery

	// ChunkSize is the maximum number of tasks per job.
	ChunkSize int

	// InputSASExpiry is how long tasks can download their inputs
	// and OutputSASExpiry is how long they can upload results.
	InputSASExpiry, OutputSASExpiry time.Duration

	// PollInterval is the time between task status checks.
	PollInterval time.Duration

	// Concurrency limits simultaneous uploads and downloads.
	Concurrency int

	// MaxRetries is the number of times a failed batch
	// service request is retried.
	MaxRetries uint64

	// Limiter limits the rate of batch service requests.
	Limiter *rate.Limiter

	now func() time.Time

	// retryBackOff returns the delays between retried requests.
	retryBackOff func() backoff.BackOff
}

// NewClient returns a client with the default settings.
func NewClient(b Batch, s Store) *Client {
	return &Client{
		Batch:             b,
		Store:             s,
		Fs:                afero.NewOsFs(),
		Log:               logrus.StandardLogger(),
		VMSize:            "STANDARD_A1_v2",
		MaxNodes:          100,
		TaskSlotsPerNode:  1,
		AutoScaleInterval: 5 * time.Minute,
		StartCommands:     []string{"cd /"},
		Image:             ImageQuery{Publisher: "Canonical", Offer: "UbuntuServer", SKUPrefix: "16.04"},
		ChunkSize:         MaxTasksPerJob,
		InputSASExpiry:    7 * 24 * time.Hour,
		OutputSASExpiry:   24 * time.Hour,
		PollInterval:      5 * time.Second,
		Concurrency:       8,
		MaxRetries:        5,
		Limiter:           rate.NewLimiter(20, 20),
		now:               time.Now,
		retryBackOff:      func() backoff.BackOff { return backoff.NewExponentialBackOff() },
	}
}

// call runs a batch service request, retrying it with exponential
// backoff unless it fails permanently. It is tried once if MaxRetries
// is zero.
func (c *Client) call(ctx context.Context, op string, f func() error) error {
	attempt := 0
	var retry backoff.BackOff = &backoff.StopBackOff{}
	if c.MaxRetries > 0 {
		retry = backoff.WithMaxRetries(c.retryBackOff(), c.MaxRetries)
	}
	b := backoff.WithContext(retry, ctx)
	return backoff.RetryNotify(
		func() error {
			if err := c.Limiter.Wait(ctx); err != nil {
				return backoff.Permanent(err)
			}
			attempt++
			err := f()
			switch {
			case err == nil:
				return nil
			case errors.Is(err, ErrExists) && attempt > 1:
				// The previous attempt succeeded without reporting it.
				return nil
			case errors.Is(err, ErrExists), errors.Is(err, ErrNotFound),
				errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
				return backoff.Permanent(err)
			}
			return err
		},
		b,
		func(err error, d time.Duration) {
			c.Log.WithFields(logrus.Fields{"op": op, "retry_in": d}).Warnf("cloud: %v", err)
		},
	)
}

// ContainerName returns the storage container name for a project.
func ContainerName(project string) (string, error) {
	name := samazure.NormalizeName(project)
	if len(name) > 63 {
		name = strings.TrimRight(name[:63], "-")
	}
	if len(name) < 3 {
		return "", fmt.Errorf("cloud: project id %q must contain at least 3 letters or digits", project)
	}
	return name, nil
}

// Fingerprint returns a fingerprint of the names and contents of the
// inputs of cs.
func Fingerprint(cs *samazure.Case) (string, error) {
	sums := []string{cs.Workload.Name()}
	for _, in := range cs.Inputs() {
		f, err := cs.Open(in)
		if err != nil {
			return "", fmt.Errorf("cloud: fingerprinting %s: %v", in.Path, err)
		}
		s, err := hash.Files(in.Name, f)
		f.Close()
		if err != nil {
			return "", err
		}
		sums = append(sums, s)
	}
	return hash.Hash(sums), nil
}

// Submit uploads the inputs of cs to the project container and creates
// one pool and one job per chunk of units, with one task per unit.
// If submission fails part way through, the resources created so far
// are deleted.
func (c *Client) Submit(ctx context.Context, project string, cs *samazure.Case) (*Manifest, error) {
	container, err := ContainerName(project)
	if err != nil {
		return nil, err
	}
	plan, err := NewPlan(container, cs, c.ChunkSize, c.now())
	if err != nil {
		return nil, err
	}
	fingerprint, err := Fingerprint(cs)
	if err != nil {
		return nil, err
	}
	m := &Manifest{
		Project:     project,
		Container:   container,
		Workload:    cs.Workload.Name(),
		CaseDir:     cs.Dir,
		Fingerprint: fingerprint,
		Created:     c.now().UTC(),
	}
	log := c.Log.WithFields(logrus.Fields{
		"project": project,
		"units":   len(cs.Units),
		"jobs":    len(plan.Jobs),
	})

	created, err := c.Store.CreateContainer(ctx, container)
	if err != nil {
		return nil, err
	}
	log.WithField("container", container).Info("cloud: container ready")
	fail := func(err error) (*Manifest, error) {
		return nil, c.rollback(ctx, m, created, err)
	}

	bucket, err := c.Store.Bucket(ctx, container)
	if err != nil {
		return fail(err)
	}
	defer bucket.Close()

	urls, err := c.upload(ctx, bucket, cs)
	if err != nil {
		return fail(err)
	}
	containerURL, err := c.Store.ContainerURL(ctx, container, c.OutputSASExpiry)
	if err != nil {
		return fail(err)
	}
	image, err := c.selectImage(ctx)
	if err != nil {
		return fail(err)
	}
	log.WithFields(logrus.Fields{"sku": image.SKU, "node_agent": image.NodeAgentSKU}).Info("cloud: selected image")

	for _, j := range plan.Jobs {
		pool, err := c.poolSpec(j.PoolID, image)
		if err != nil {
			return fail(err)
		}
		err = c.call(ctx, "create pool", func() error { return c.Batch.CreatePool(ctx, pool) })
		switch {
		case errors.Is(err, ErrExists):
			log.WithField("pool", j.PoolID).Info("cloud: pool already exists")
		case err != nil:
			return fail(err)
		default:
			m.Pools = append(m.Pools, j.PoolID)
		}

		job := &JobSpec{ID: j.JobID, PoolID: j.PoolID}
		if err := c.call(ctx, "create job", func() error { return c.Batch.CreateJob(ctx, job) }); err != nil {
			return fail(err)
		}
		m.Jobs = append(m.Jobs, j.JobID)

		tasks := make([]*TaskSpec, len(j.Tasks))
		for i, t := range j.Tasks {
			if tasks[i], err = taskSpec(cs, t, image.OS, urls, containerURL); err != nil {
				return fail(err)
			}
		}
		err = c.call(ctx, "add tasks", func() error { return c.Batch.AddTasks(ctx, j.JobID, tasks) })
		if err != nil {
			return fail(err)
		}
		for _, t := range j.Tasks {
			m.Tasks = append(m.Tasks, TaskRecord{ID: t.ID, Job: j.JobID, Input: t.Unit.Name, Output: t.Unit.Output})
		}
		log.WithFields(logrus.Fields{"pool": j.PoolID, "job": j.JobID, "tasks": len(tasks)}).Info("cloud: job submitted")
	}
	return m, nil
}

// rollback deletes the resources recorded in m after a failed submission.
// The container is only deleted if the submission created it.
func (c *Client) rollback(ctx context.Context, m *Manifest, createdContainer bool, cause error) error {
	c.Log.WithField("project", m.Project).Warnf("cloud: submission failed, deleting created resources: %v", cause)
	err := c.Delete(context.WithoutCancel(ctx), m, DeleteOptions{Jobs: true, Pools: true, Container: createdContainer})
	if err != nil {
		return utilerrors.NewAggregate([]error{cause, err})
	}
	return cause
}

// upload writes the inputs of cs to bucket and returns signed
// download URLs keyed by blob name.
func (c *Client) upload(ctx context.Context, bucket *blob.Bucket, cs *samazure.Case) (map[string]string, error) {
	var mu sync.Mutex
	urls := make(map[string]string)
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(c.Concurrency)
	for _, in := range cs.Inputs() {
		in := in
		g.Go(func() error {
			f, err := cs.Open(in)
			if err != nil {
				return fmt.Errorf("cloud: opening input: %v", err)
			}
			defer f.Close()
			if err := writeBlob(ctx, bucket, in.Name, f); err != nil {
				return err
			}
			u, err := bucket.SignedURL(ctx, in.Name, &blob.SignedURLOptions{Expiry: c.InputSASExpiry})
			if err != nil {
				return fmt.Errorf("cloud: signing URL for %s: %v", in.Name, err)
			}
			mu.Lock()
			urls[in.Name] = u
			mu.Unlock()
			c.Log.WithField("blob", in.Name).Debug("cloud: uploaded input")
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return urls, nil
}

func (c *Client) selectImage(ctx context.Context) (Image, error) {
	if c.Image == (ImageQuery{}) {
		return Image{OS: Linux}, nil
	}
	var images []Image
	err := c.call(ctx, "list images", func() (err error) {
		images, err = c.Batch.ListImages(ctx)
		return err
	})
	if err != nil {
		return Image{}, err
	}
	img, err := SelectImage(images, c.Image)
	if err != nil {
		return Image{}, err
	}
	if img.OS == "" {
		img.OS = Linux
	}
	return img, nil
}

func (c *Client) poolSpec(id string, img Image) (*PoolSpec, error) {
	p := &PoolSpec{
		ID:                id,
		VMSize:            c.VMSize,
		Image:             img,
		AutoScaleFormula:  AutoScaleFormula(c.MaxNodes),
		AutoScaleInterval: c.AutoScaleInterval,
		TaskSlotsPerNode:  c.TaskSlotsPerNode,
		NodeFill:          Spread,
	}
	if len(c.StartCommands) > 0 {
		cmd, err := WrapCommands(img.OS, c.StartCommands)
		if err != nil {
			return nil, err
		}
		p.StartTask = &StartTask{CommandLine: cmd, Elevated: true, WaitForSuccess: true}
	}
	return p, nil
}

// DeleteOptions select which resources Delete removes.
type DeleteOptions struct {
	Jobs, Pools, Container bool
}

// Delete deletes the selected resources of a submission. Every deletion
// is attempted; resources that no longer exist are skipped and the
// other failures are returned together.
func (c *Client) Delete(ctx context.Context, m *Manifest, opts DeleteOptions) error {
	var errs []error
	check := func(kind, id string, err error) {
		log := c.Log.WithField(kind, id)
		switch {
		case errors.Is(err, ErrNotFound):
			log.Debug("cloud: already deleted")
		case err != nil:
			log.Warnf("cloud: delete failed: %v", err)
			errs = append(errs, err)
		default:
			log.Info("cloud: deleted")
		}
	}
	if opts.Jobs {
		for _, id := range m.Jobs {
			id := id
			check("job", id, c.call(ctx, "delete job", func() error { return c.Batch.DeleteJob(ctx, id) }))
		}
	}
	if opts.Pools {
		for _, id := range m.Pools {
			id := id
			check("pool", id, c.call(ctx, "delete pool", func() error { return c.Batch.DeletePool(ctx, id) }))
		}
	}
	if opts.Container && m.Container != "" {
		check("container", m.Container, c.Store.DeleteContainer(ctx, m.Container))
	}
	return utilerrors.NewAggregate(errs)
}

// RunOptions configure Run and Collect.
type RunOptions struct {
	// Timeout bounds the wait for task completion.
	Timeout time.Duration

	// ResultsDir receives the task outputs.
	ResultsDir string

	Delete DeleteOptions

	// Submitted, if not nil, is called once the case is submitted,
	// e.g. to save the manifest.
	Submitted func(*Manifest) error
}

// Run submits cs and then collects it as described for Collect.
func (c *Client) Run(ctx context.Context, project string, cs *samazure.Case, opts RunOptions) (*Manifest, error) {
	m, err := c.Submit(ctx, project, cs)
	if err != nil {
		return nil, err
	}
	var errs []error
	if opts.Submitted != nil {
		errs = append(errs, opts.Submitted(m))
	}
	errs = append(errs, c.Collect(ctx, m, opts))
	return m, utilerrors.NewAggregate(errs)
}

// Collect waits for the tasks of m, downloads their results and then
// deletes the resources selected in opts. Results are downloaded and
// resources deleted even if the tasks do not finish in time. If ctx is
// cancelled nothing is downloaded or deleted, so the submission can be
// collected later.
func (c *Client) Collect(ctx context.Context, m *Manifest, opts RunOptions) error {
	var errs []error
	if err := c.Wait(ctx, m, opts.Timeout); err != nil {
		errs = append(errs, err)
	}
	if ctx.Err() != nil {
		c.Log.WithField("project", m.Project).Warn("cloud: interrupted; keeping resources for a later collection")
		return utilerrors.NewAggregate(errs)
	}
	if st, err := c.Status(ctx, m); err == nil {
		st.log(c.Log)
	}
	if _, err := c.Output(ctx, m, opts.ResultsDir); err != nil {
		errs = append(errs, err)
	}
	if err := c.Delete(ctx, m, opts.Delete); err != nil {
		errs = append(errs, err)
	}
	return utilerrors.NewAggregate(errs)
}
