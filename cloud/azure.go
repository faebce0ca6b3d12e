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
	"time"

	"github.com/Azure/azure-sdk-for-go/sdk/azcore"
	"github.com/Azure/azure-sdk-for-go/sdk/azcore/to"
	"github.com/Azure/azure-sdk-for-go/sdk/azidentity"
	"github.com/Azure/azure-sdk-for-go/sdk/batch/azbatch"
	"github.com/sirupsen/logrus"
)

// AzureBatch is the Azure Batch service.
type AzureBatch struct {
	client *azbatch.Client
	Log    logrus.FieldLogger
}

// AzureCredentials holds a service principal. If ClientSecret is empty,
// the default Azure credential chain (environment, managed identity,
// Azure CLI) is used instead.
type AzureCredentials struct {
	TenantID, ClientID, ClientSecret string
}

// NewAzureBatch returns a client for the Batch account at endpoint,
// e.g. https://myaccount.westus2.batch.azure.com.
func NewAzureBatch(endpoint string, creds AzureCredentials) (*AzureBatch, error) {
	var (
		cred azcore.TokenCredential
		err  error
	)
	if creds.ClientSecret != "" {
		cred, err = azidentity.NewClientSecretCredential(creds.TenantID, creds.ClientID, creds.ClientSecret, nil)
	} else {
		cred, err = azidentity.NewDefaultAzureCredential(nil)
	}
	if err != nil {
		return nil, fmt.Errorf("cloud: azure credentials: %v", err)
	}
	client, err := azbatch.NewClient(endpoint, cred, nil)
	if err != nil {
		return nil, fmt.Errorf("cloud: batch client: %v", err)
	}
	return &AzureBatch{client: client, Log: logrus.StandardLogger()}, nil
}

// azureError translates Batch service error codes into ErrExists and
// ErrNotFound.
func azureError(op, id string, err error) error {
	if err == nil {
		return nil
	}
	var re *azcore.ResponseError
	if errors.As(err, &re) {
		switch re.ErrorCode {
		case "PoolExists", "JobExists", "TaskExists":
			return fmt.Errorf("cloud: %s %s: %w", op, id, ErrExists)
		case "PoolNotFound", "JobNotFound", "TaskNotFound":
			return fmt.Errorf("cloud: %s %s: %w", op, id, ErrNotFound)
		}
	}
	return fmt.Errorf("cloud: %s %s: %v", op, id, err)
}

func (a *AzureBatch) ListImages(ctx context.Context) ([]Image, error) {
	var o []Image
	pager := a.client.NewListSupportedImagesPager(nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, azureError("list images", "", err)
		}
		for _, img := range page.Value {
			o = append(o, fromSupportedImage(img))
		}
	}
	return o, nil
}

func fromSupportedImage(img azbatch.SupportedImage) Image {
	o := Image{NodeAgentSKU: deref(img.NodeAgentSKUID)}
	if r := img.ImageReference; r != nil {
		o.ImageReference = ImageReference{
			Publisher: deref(r.Publisher),
			Offer:     deref(r.Offer),
			SKU:       deref(r.SKU),
			Version:   deref(r.Version),
		}
	}
	if img.VerificationType != nil {
		o.Verified = *img.VerificationType == azbatch.ImageVerificationTypeVerified
	}
	if img.OSType != nil {
		switch *img.OSType {
		case azbatch.OSTypeLinux:
			o.OS = Linux
		case azbatch.OSTypeWindows:
			o.OS = Windows
		}
	}
	return o
}

func (a *AzureBatch) CreatePool(ctx context.Context, pool *PoolSpec) error {
	_, err := a.client.CreatePool(ctx, toPoolContent(pool), nil)
	return azureError("create pool", pool.ID, err)
}

func toPoolContent(p *PoolSpec) azbatch.CreatePoolContent {
	c := azbatch.CreatePoolContent{
		ID:     to.Ptr(p.ID),
		VMSize: to.Ptr(p.VMSize),
		VirtualMachineConfiguration: &azbatch.VirtualMachineConfiguration{
			ImageReference: &azbatch.ImageReference{
				Publisher: to.Ptr(p.Image.Publisher),
				Offer:     to.Ptr(p.Image.Offer),
				SKU:       to.Ptr(p.Image.SKU),
				Version:   to.Ptr(p.Image.Version),
			},
			NodeAgentSKUID: to.Ptr(p.Image.NodeAgentSKU),
		},
	}
	if p.AutoScaleFormula != "" {
		c.EnableAutoScale = to.Ptr(true)
		c.AutoScaleFormula = to.Ptr(p.AutoScaleFormula)
		if p.AutoScaleInterval > 0 {
			c.AutoScaleEvaluationInterval = to.Ptr(isoDuration(p.AutoScaleInterval))
		}
	} else {
		c.TargetDedicatedNodes = to.Ptr(int32(p.TargetDedicatedNodes))
	}
	if p.TaskSlotsPerNode > 0 {
		c.TaskSlotsPerNode = to.Ptr(int32(p.TaskSlotsPerNode))
	}
	fill := azbatch.BatchNodeFillTypeSpread
	if p.NodeFill == Pack {
		fill = azbatch.BatchNodeFillTypePack
	}
	c.TaskSchedulingPolicy = &azbatch.TaskSchedulingPolicy{NodeFillType: &fill}
	if st := p.StartTask; st != nil {
		c.StartTask = &azbatch.StartTask{
			CommandLine:    to.Ptr(st.CommandLine),
			WaitForSuccess: to.Ptr(st.WaitForSuccess),
		}
		if st.Elevated {
			c.StartTask.UserIdentity = adminIdentity(azbatch.AutoUserScopePool)
		}
	}
	return c
}

func adminIdentity(scope azbatch.AutoUserScope) *azbatch.UserIdentity {
	return &azbatch.UserIdentity{
		AutoUser: &azbatch.AutoUserSpecification{
			ElevationLevel: to.Ptr(azbatch.ElevationLevelAdmin),
			Scope:          to.Ptr(scope),
		},
	}
}

// isoDuration formats d as an ISO 8601 duration.
func isoDuration(d time.Duration) string {
	if d%time.Minute == 0 {
		return fmt.Sprintf("PT%dM", int64(d/time.Minute))
	}
	return fmt.Sprintf("PT%dS", int64(d.Round(time.Second)/time.Second))
}

func (a *AzureBatch) CreateJob(ctx context.Context, job *JobSpec) error {
	_, err := a.client.CreateJob(ctx, azbatch.CreateJobContent{
		ID:       to.Ptr(job.ID),
		PoolInfo: &azbatch.PoolInfo{PoolID: to.Ptr(job.PoolID)},
	}, nil)
	return azureError("create job", job.ID, err)
}

func (a *AzureBatch) AddTasks(ctx context.Context, jobID string, tasks []*TaskSpec) error {
	if len(tasks) > MaxTasksPerJob {
		return fmt.Errorf("cloud: %d tasks is more than the %d allowed per request", len(tasks), MaxTasksPerJob)
	}
	for _, t := range tasks {
		_, err := a.client.CreateTask(ctx, jobID, toTaskContent(t), nil)
		err = azureError("create task", t.ID, err)
		if errors.Is(err, ErrExists) {
			a.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID}).Debug("cloud: task already exists")
			continue
		}
		if err != nil {
			return err
		}
		a.Log.WithFields(logrus.Fields{"job": jobID, "task": t.ID}).Debug("cloud: created task")
	}
	return nil
}

func toTaskContent(t *TaskSpec) azbatch.CreateTaskContent {
	c := azbatch.CreateTaskContent{
		ID:          to.Ptr(t.ID),
		CommandLine: to.Ptr(t.CommandLine),
	}
	for _, rf := range t.ResourceFiles {
		c.ResourceFiles = append(c.ResourceFiles, azbatch.ResourceFile{
			HTTPURL:  to.Ptr(rf.URL),
			FilePath: to.Ptr(rf.FilePath),
		})
	}
	for _, of := range t.OutputFiles {
		cond := azbatch.OutputFileUploadConditionTaskCompletion
		switch of.Condition {
		case TaskSuccess:
			cond = azbatch.OutputFileUploadConditionTaskSuccess
		case TaskFailure:
			cond = azbatch.OutputFileUploadConditionTaskFailure
		}
		c.OutputFiles = append(c.OutputFiles, azbatch.OutputFile{
			FilePattern: to.Ptr(of.Pattern),
			Destination: &azbatch.OutputFileDestination{
				Container: &azbatch.OutputFileBlobContainerDestination{
					ContainerURL: to.Ptr(of.ContainerURL),
					Path:         to.Ptr(of.Path),
				},
			},
			UploadOptions: &azbatch.OutputFileUploadConfig{UploadCondition: to.Ptr(cond)},
		})
	}
	if t.Elevated {
		c.UserIdentity = adminIdentity(azbatch.AutoUserScopeTask)
	}
	return c
}

func (a *AzureBatch) ListTasks(ctx context.Context, jobID string) ([]TaskStatus, error) {
	var o []TaskStatus
	pager := a.client.NewListTasksPager(jobID, nil)
	for pager.More() {
		page, err := pager.NextPage(ctx)
		if err != nil {
			return nil, azureError("list tasks", jobID, err)
		}
		for _, t := range page.Value {
			o = append(o, fromTask(t))
		}
	}
	return o, nil
}

func fromTask(t azbatch.Task) TaskStatus {
	s := TaskStatus{ID: deref(t.ID), State: TaskActive}
	if t.State != nil {
		switch *t.State {
		case azbatch.TaskStatePreparing:
			s.State = TaskPreparing
		case azbatch.TaskStateRunning:
			s.State = TaskRunning
		case azbatch.TaskStateCompleted:
			s.State = TaskCompleted
		}
	}
	if info := t.ExecutionInfo; info != nil {
		if info.ExitCode != nil {
			code := int(*info.ExitCode)
			s.ExitCode = &code
		}
		if info.FailureInfo != nil {
			s.Failure = deref(info.FailureInfo.Message)
		}
	}
	return s
}

func (a *AzureBatch) DeleteJob(ctx context.Context, jobID string) error {
	_, err := a.client.DeleteJob(ctx, jobID, nil)
	return azureError("delete job", jobID, err)
}

func (a *AzureBatch) DeletePool(ctx context.Context, poolID string) error {
	_, err := a.client.DeletePool(ctx, poolID, nil)
	return azureError("delete pool", poolID, err)
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
