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
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/lnashier/viper"
	"github.com/samazure/samazure"
	"github.com/samazure/samazure/cloud"
	"github.com/spf13/cast"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
)

// NewClient returns a client for the backend selected in cfg, along with
// a function that releases the resources of the backend.
func NewClient(cfg *viper.Viper) (*cloud.Client, func() error, error) {
	var (
		b   cloud.Batch
		s   cloud.Store
		err error
	)
	release := func() error { return nil }
	image := cloud.ImageQuery{
		Publisher: cfg.GetString("Pool.ImagePublisher"),
		Offer:     cfg.GetString("Pool.ImageOffer"),
		SKUPrefix: cfg.GetString("Pool.ImageSKU"),
	}
	switch backend := strings.ToLower(cfg.GetString("backend")); backend {
	case "azure":
		endpoint := cfg.GetString("Batch.Endpoint")
		if endpoint == "" {
			return nil, nil, fmt.Errorf("samazure: Batch.Endpoint must be set to use the azure backend")
		}
		b, err = cloud.NewAzureBatch(endpoint, cloud.AzureCredentials{
			TenantID:     cfg.GetString("Batch.TenantID"),
			ClientID:     cfg.GetString("Batch.ClientID"),
			ClientSecret: cfg.GetString("Batch.ClientSecret"),
		})
		if err != nil {
			return nil, nil, err
		}
		if s, err = azureStore(cfg); err != nil {
			return nil, nil, err
		}
	case "kubernetes":
		k, err := kubernetesClient(cfg)
		if err != nil {
			return nil, nil, err
		}
		kb := cloud.NewKubernetes(k, cfg.GetString("Kubernetes.Namespace"))
		kb.Image = cfg.GetString("Kubernetes.Image")
		kb.Tools = cfg.GetStringSlice("Kubernetes.Tools")
		b = kb
		if s, err = azureStore(cfg); err != nil {
			return nil, nil, err
		}
		image = cloud.ImageQuery{}
	case "local":
		dir := os.ExpandEnv(cfg.GetString("Local.Dir"))
		secret := cfg.GetString("Local.Secret")
		if secret == "" {
			secret = uuid.New().String()
		}
		store, err := cloud.NewLocalStore(filepath.Join(dir, "store"), []byte(secret))
		if err != nil {
			return nil, nil, err
		}
		parallelism, err := cast.ToIntE(cfg.Get("Local.Parallelism"))
		if err != nil {
			return nil, nil, fmt.Errorf("samazure: Local.Parallelism: %v", err)
		}
		local := cloud.NewLocal(filepath.Join(dir, "tasks"), store, parallelism)
		b, s, release = local, store, local.Close
		image = cloud.ImageQuery{}
	default:
		return nil, nil, fmt.Errorf("samazure: invalid backend %q; it must be azure, kubernetes or local", backend)
	}

	c := cloud.NewClient(b, s)
	c.Image = image
	c.VMSize = cfg.GetString("Pool.VMSize")
	c.StartCommands = cfg.GetStringSlice("Pool.StartCommands")
	ints := map[string]*int{
		"Pool.MaxNodes":         &c.MaxNodes,
		"Pool.TaskSlotsPerNode": &c.TaskSlotsPerNode,
		"Pool.ChunkSize":        &c.ChunkSize,
		"Storage.Concurrency":   &c.Concurrency,
	}
	for name, v := range ints {
		if *v, err = cast.ToIntE(cfg.Get(name)); err != nil {
			release()
			return nil, nil, fmt.Errorf("samazure: %s: %v", name, err)
		}
	}
	if c.ChunkSize < 1 || c.ChunkSize > cloud.MaxTasksPerJob {
		release()
		return nil, nil, fmt.Errorf("samazure: Pool.ChunkSize must be between 1 and %d", cloud.MaxTasksPerJob)
	}
	if c.Concurrency < 1 {
		release()
		return nil, nil, fmt.Errorf("samazure: Storage.Concurrency must be at least 1")
	}
	retries, err := cast.ToUint64E(cfg.Get("Batch.MaxRetries"))
	if err != nil {
		release()
		return nil, nil, fmt.Errorf("samazure: Batch.MaxRetries: %v", err)
	}
	c.MaxRetries = retries
	durations := map[string]*time.Duration{
		"Batch.PollInterval":     &c.PollInterval,
		"Pool.AutoScaleInterval": &c.AutoScaleInterval,
		"Storage.InputExpiry":    &c.InputSASExpiry,
		"Storage.OutputExpiry":   &c.OutputSASExpiry,
	}
	for name, v := range durations {
		if *v, err = duration(cfg, name); err != nil {
			release()
			return nil, nil, err
		}
	}
	return c, release, nil
}

func azureStore(cfg *viper.Viper) (*cloud.AzureStore, error) {
	account, key := cfg.GetString("Storage.Account"), cfg.GetString("Storage.Key")
	if account == "" || key == "" {
		return nil, fmt.Errorf("samazure: Storage.Account and Storage.Key must be set")
	}
	return cloud.NewAzureStore(account, key, cfg.GetString("Storage.EndpointSuffix"))
}

// kubernetesClient connects to the cluster in the configured kubeconfig
// file or, if there is none, to the cluster the program is running in.
func kubernetesClient(cfg *viper.Viper) (kubernetes.Interface, error) {
	var (
		rc  *rest.Config
		err error
	)
	if path := os.ExpandEnv(cfg.GetString("Kubernetes.Kubeconfig")); path != "" {
		rc, err = clientcmd.BuildConfigFromFlags("", path)
	} else {
		rc, err = rest.InClusterConfig()
	}
	if err != nil {
		return nil, fmt.Errorf("samazure: kubernetes configuration: %v", err)
	}
	k, err := kubernetes.NewForConfig(rc)
	if err != nil {
		return nil, fmt.Errorf("samazure: kubernetes client: %v", err)
	}
	return k, nil
}

// duration returns the named option, which may be a
// time.Duration or a string such as "90m".
func duration(cfg *viper.Viper, name string) (time.Duration, error) {
	d, err := cast.ToDurationE(cfg.Get(name))
	if err != nil {
		return 0, fmt.Errorf("samazure: %s: %v", name, err)
	}
	return d, nil
}

// Workload returns the named workload, configured from cfg.
func Workload(cfg *viper.Viper, name string) (samazure.Workload, error) {
	switch name {
	case "radiance":
		r := samazure.DefaultRadiance()
		setString(cfg, "Radiance.RadianceURL", &r.RadianceURL)
		setString(cfg, "Radiance.RadianceDir", &r.RadianceDir)
		setString(cfg, "Radiance.HoneybeeURL", &r.HoneybeeURL)
		setString(cfg, "Radiance.RunnerURL", &r.RunnerURL)
		return r, nil
	case "energyplus":
		e := samazure.DefaultEnergyPlus()
		setString(cfg, "EnergyPlus.InstallerURL", &e.InstallerURL)
		setString(cfg, "EnergyPlus.IDD", &e.IDD)
		return e, nil
	default:
		return nil, fmt.Errorf("samazure: unknown workload %q", name)
	}
}

// setString sets v to the named option if the option is not empty.
func setString(cfg *viper.Viper, name string, v *string) {
	if s := cfg.GetString(name); s != "" {
		*v = s
	}
}

// caseDir returns the configured case directory or the
// default one for the workload.
func caseDir(cfg *viper.Viper, workload string) string {
	if d := cfg.GetString("case-dir"); d != "" {
		return os.ExpandEnv(d)
	}
	return filepath.Join("resources", workload+"_case")
}

// resultsDir returns the configured results directory or
// the Results directory of the case.
func resultsDir(cfg *viper.Viper, caseDir string) string {
	if d := cfg.GetString("results-dir"); d != "" {
		return os.ExpandEnv(d)
	}
	return filepath.Join(caseDir, "Results")
}

// manifestPath returns the configured manifest location or the
// location in the state directory for the configured project.
func manifestPath(cfg *viper.Viper) (string, error) {
	if p := cfg.GetString("manifest"); p != "" {
		return os.ExpandEnv(p), nil
	}
	name, err := cloud.ContainerName(cfg.GetString("project-id"))
	if err != nil {
		return "", err
	}
	return filepath.Join(os.ExpandEnv(cfg.GetString("state-dir")), name+".toml"), nil
}

func deleteOptions(cfg *viper.Viper) cloud.DeleteOptions {
	return cloud.DeleteOptions{
		Jobs:      cfg.GetBool("delete-job"),
		Pools:     cfg.GetBool("delete-pool"),
		Container: cfg.GetBool("delete-container"),
	}
}
