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

// Package samazureutil contains the samazure command-line interface.
package samazureutil

import (
	"fmt"
	"strings"
	"time"

	"github.com/lnashier/viper"
	"github.com/samazure/samazure"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// Cfg holds configuration information.
var Cfg *viper.Viper

var options []struct {
	name, usage, shorthand string
	defaultVal             interface{}
	flagsets               []*pflag.FlagSet
}

func init() {
	radiance := samazure.DefaultRadiance()
	energyPlus := samazure.DefaultEnergyPlus()

	// Options are the configuration options available to SAMAzure.
	options = []struct {
		name, usage, shorthand string
		defaultVal             interface{}
		flagsets               []*pflag.FlagSet
	}{
		{
			name: "config",
			usage: `
              config specifies the configuration file location.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log-level",
			usage: `
              log-level is the minimum level of log messages that are printed:
              debug, info, warning or error.`,
			defaultVal: "info",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "log-json",
			usage: `
              log-json specifies that log messages are printed as JSON.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "backend",
			usage: `
              backend is the batch service tasks are run on: azure, kubernetes
              or local. The local backend runs tasks as processes on this
              computer and only supports the run subcommands.`,
			defaultVal: "azure",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "project-id",
			usage: `
              project-id identifies a submission. It names the storage container
              and prefixes the pool and job IDs.`,
			shorthand:  "p",
			defaultVal: "000000-testproject-3513",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "state-dir",
			usage: `
              state-dir is the directory where the manifests of submitted
              projects are saved.`,
			defaultVal: ".samazure",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "manifest",
			usage: `
              manifest is the location of the manifest of the submission. If it
              is empty, the manifest is kept in state-dir under the project id.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "case-dir",
			usage: `
              case-dir is the directory holding the simulation case. The default
              is resources/radiance_case or resources/energyplus_case.`,
			shorthand:  "d",
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{radianceCmd.PersistentFlags(), energyPlusCmd.PersistentFlags()},
		},
		{
			name: "results-dir",
			usage: `
              results-dir is the directory task outputs are downloaded to.
              The default is the Results directory of the case.`,
			shorthand:  "o",
			defaultVal: "",
			flagsets: []*pflag.FlagSet{radianceCmd.PersistentFlags(), energyPlusCmd.PersistentFlags(),
				outputCmd.Flags()},
		},
		{
			name: "force",
			usage: `
              force specifies that a case is submitted even if a manifest for
              the project already exists.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{radianceSubmitCmd.Flags(), energyPlusSubmitCmd.Flags()},
		},
		{
			name: "timeout",
			usage: `
              timeout is how long to wait for all tasks to complete.`,
			defaultVal: 4 * time.Hour,
			flagsets:   []*pflag.FlagSet{radianceRunCmd.Flags(), energyPlusRunCmd.Flags(), waitCmd.Flags()},
		},
		{
			name: "delete-job",
			usage: `
              delete-job specifies that the jobs of the submission are deleted.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{radianceRunCmd.Flags(), energyPlusRunCmd.Flags(), deleteCmd.Flags()},
		},
		{
			name: "delete-pool",
			usage: `
              delete-pool specifies that the pools of the submission are deleted.`,
			defaultVal: true,
			flagsets:   []*pflag.FlagSet{radianceRunCmd.Flags(), energyPlusRunCmd.Flags(), deleteCmd.Flags()},
		},
		{
			name: "delete-container",
			usage: `
              delete-container specifies that the storage container of the
              submission, including the task outputs, is deleted. It is kept
              unless this is set, so outputs can be downloaded again.`,
			defaultVal: false,
			flagsets:   []*pflag.FlagSet{radianceRunCmd.Flags(), energyPlusRunCmd.Flags(), deleteCmd.Flags()},
		},
		{
			name: "archive",
			usage: `
              archive is a bucket that task outputs are copied to, under the
              project id, in the format "scheme://name". Supported schemes are
              file, azblob, gs and s3.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{outputCmd.Flags()},
		},
		{
			name: "out",
			usage: `
              out is the combined results file. The default is
              results_joined.csv in results-dir.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{radianceCombineCmd.Flags(), energyPlusCombineCmd.Flags()},
		},
		{
			name: "xlsx",
			usage: `
              xlsx, if not empty, is the location of an Excel workbook holding the
              combined results and a summary of each numeric column.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{radianceCombineCmd.Flags(), energyPlusCombineCmd.Flags()},
		},
		{
			name: "Batch.Endpoint",
			usage: `
              Batch.Endpoint is the URL of the Azure Batch account.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Batch.TenantID",
			usage: `
              Batch.TenantID is the Azure Active Directory tenant of the service
              principal used to access the Batch account.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Batch.ClientID",
			usage: `
              Batch.ClientID is the application ID of the service principal.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Batch.ClientSecret",
			usage: `
              Batch.ClientSecret is the secret of the service principal. If it
              is empty, credentials are read from the environment.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Batch.PollInterval",
			usage: `
              Batch.PollInterval is the time between task status checks.`,
			defaultVal: 5 * time.Second,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Batch.MaxRetries",
			usage: `
              Batch.MaxRetries is the number of times a failed batch service
              request is retried.`,
			defaultVal: 5,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.Account",
			usage: `
              Storage.Account is the name of the Azure storage account. It can
              also be set with the AZURE_STORAGE_ACCOUNT environment variable.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.Key",
			usage: `
              Storage.Key is the shared key of the storage account. It can
              also be set with the AZURE_STORAGE_KEY environment variable.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.EndpointSuffix",
			usage: `
              Storage.EndpointSuffix is the DNS suffix of the storage service.`,
			defaultVal: "core.windows.net",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.InputExpiry",
			usage: `
              Storage.InputExpiry is how long tasks can download their inputs.`,
			defaultVal: 7 * 24 * time.Hour,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.OutputExpiry",
			usage: `
              Storage.OutputExpiry is how long tasks can upload their outputs.`,
			defaultVal: 24 * time.Hour,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Storage.Concurrency",
			usage: `
              Storage.Concurrency is the maximum number of simultaneous
              uploads or downloads.`,
			defaultVal: 8,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.VMSize",
			usage: `
              Pool.VMSize is the virtual machine size of pool nodes.`,
			defaultVal: "STANDARD_A1_v2",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.MaxNodes",
			usage: `
              Pool.MaxNodes is the maximum number of nodes in each pool.`,
			defaultVal: 100,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.TaskSlotsPerNode",
			usage: `
              Pool.TaskSlotsPerNode is the number of tasks run at once on a node.`,
			defaultVal: 1,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.AutoScaleInterval",
			usage: `
              Pool.AutoScaleInterval is how often pool sizes are re-evaluated.`,
			defaultVal: 5 * time.Minute,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.ChunkSize",
			usage: `
              Pool.ChunkSize is the maximum number of tasks in each job. It can
              be at most 100.`,
			defaultVal: 100,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.ImagePublisher",
			usage: `
              Pool.ImagePublisher is the publisher of the node image.`,
			defaultVal: "Canonical",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.ImageOffer",
			usage: `
              Pool.ImageOffer is the offer of the node image.`,
			defaultVal: "UbuntuServer",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.ImageSKU",
			usage: `
              Pool.ImageSKU is the prefix of the node image SKU. The newest
              verified image matching it is used.`,
			defaultVal: "16.04",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Pool.StartCommands",
			usage: `
              Pool.StartCommands are run on each node as it joins a pool.`,
			defaultVal: []string{"cd /"},
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Kubernetes.Namespace",
			usage: `
              Kubernetes.Namespace is the namespace tasks are run in.`,
			defaultVal: "default",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Kubernetes.Image",
			usage: `
              Kubernetes.Image is the container image tasks are run in.`,
			defaultVal: "ubuntu:16.04",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Kubernetes.Tools",
			usage: `
              Kubernetes.Tools are the commands tasks need. Any that the image
              lacks are installed with apt-get before a task starts.`,
			defaultVal: []string{"curl", "wget", "sudo", "rsync", "python"},
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Kubernetes.Kubeconfig",
			usage: `
              Kubernetes.Kubeconfig is the location of the kubeconfig file. If it
              is empty, the in-cluster configuration is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Local.Dir",
			usage: `
              Local.Dir is where the local backend keeps its storage containers
              and task working directories.`,
			defaultVal: ".samazure/local",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Local.Secret",
			usage: `
              Local.Secret signs the URLs of local storage. If it is empty, a
              random secret is used.`,
			defaultVal: "",
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Local.Parallelism",
			usage: `
              Local.Parallelism is the number of local tasks run at once. If it
              is less than 1, the number of processors is used.`,
			defaultVal: 0,
			flagsets:   []*pflag.FlagSet{Root.PersistentFlags()},
		},
		{
			name: "Radiance.RadianceURL",
			usage: `
              Radiance.RadianceURL is the location of the Radiance binary
              distribution installed on each node.`,
			defaultVal: radiance.RadianceURL,
			flagsets:   []*pflag.FlagSet{radianceCmd.PersistentFlags()},
		},
		{
			name: "Radiance.RadianceDir",
			usage: `
              Radiance.RadianceDir is the directory the Radiance distribution
              unpacks into.`,
			defaultVal: radiance.RadianceDir,
			flagsets:   []*pflag.FlagSet{radianceCmd.PersistentFlags()},
		},
		{
			name: "Radiance.HoneybeeURL",
			usage: `
              Radiance.HoneybeeURL is the location of the Ladybug and Honeybee
              libraries.`,
			defaultVal: radiance.HoneybeeURL,
			flagsets:   []*pflag.FlagSet{radianceCmd.PersistentFlags()},
		},
		{
			name: "Radiance.RunnerURL",
			usage: `
              Radiance.RunnerURL is the location of the script that runs one
              analysis grid.`,
			defaultVal: radiance.RunnerURL,
			flagsets:   []*pflag.FlagSet{radianceCmd.PersistentFlags()},
		},
		{
			name: "EnergyPlus.InstallerURL",
			usage: `
              EnergyPlus.InstallerURL is the location of the EnergyPlus Linux
              installer.`,
			defaultVal: energyPlus.InstallerURL,
			flagsets:   []*pflag.FlagSet{energyPlusCmd.PersistentFlags()},
		},
		{
			name: "EnergyPlus.IDD",
			usage: `
              EnergyPlus.IDD is the location of the input data dictionary
              after installation.`,
			defaultVal: energyPlus.IDD,
			flagsets:   []*pflag.FlagSet{energyPlusCmd.PersistentFlags()},
		},
	}

	Cfg = viper.New()

	// Set the prefix for configuration environment variables.
	Cfg.SetEnvPrefix("SAMAZURE")
	Cfg.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	Cfg.AutomaticEnv()
	Cfg.BindEnv("Storage.Account", "AZURE_STORAGE_ACCOUNT")
	Cfg.BindEnv("Storage.Key", "AZURE_STORAGE_KEY")

	for _, option := range options {
		for i, set := range option.flagsets {
			if i != 0 { // We don't want to create the same flag twice.
				set.AddFlag(option.flagsets[0].Lookup(option.name))
				continue
			}
			switch option.defaultVal.(type) {
			case string:
				if option.shorthand == "" {
					set.String(option.name, option.defaultVal.(string), option.usage)
				} else {
					set.StringP(option.name, option.shorthand, option.defaultVal.(string), option.usage)
				}
			case []string:
				if option.shorthand == "" {
					set.StringSlice(option.name, option.defaultVal.([]string), option.usage)
				} else {
					set.StringSliceP(option.name, option.shorthand, option.defaultVal.([]string), option.usage)
				}
			case bool:
				if option.shorthand == "" {
					set.Bool(option.name, option.defaultVal.(bool), option.usage)
				} else {
					set.BoolP(option.name, option.shorthand, option.defaultVal.(bool), option.usage)
				}
			case int:
				if option.shorthand == "" {
					set.Int(option.name, option.defaultVal.(int), option.usage)
				} else {
					set.IntP(option.name, option.shorthand, option.defaultVal.(int), option.usage)
				}
			case time.Duration:
				if option.shorthand == "" {
					set.Duration(option.name, option.defaultVal.(time.Duration), option.usage)
				} else {
					set.DurationP(option.name, option.shorthand, option.defaultVal.(time.Duration), option.usage)
				}
			default:
				panic("invalid argument type")
			}
			Cfg.BindPFlag(option.name, set.Lookup(option.name))
		}
	}
}

func init() {
	// Link the commands together.
	Root.AddCommand(versionCmd)
	Root.AddCommand(radianceCmd)
	radianceCmd.AddCommand(radianceSubmitCmd, radianceRunCmd, radianceCombineCmd)
	Root.AddCommand(energyPlusCmd)
	energyPlusCmd.AddCommand(energyPlusSubmitCmd, energyPlusRunCmd, energyPlusCombineCmd)
	Root.AddCommand(statusCmd)
	Root.AddCommand(waitCmd)
	Root.AddCommand(outputCmd)
	Root.AddCommand(deleteCmd)
}

// setConfig finds and reads in the configuration file, if there is one,
// and configures logging.
func setConfig() error {
	if cfgpath := Cfg.GetString("config"); cfgpath != "" {
		Cfg.SetConfigFile(cfgpath)
		if err := Cfg.ReadInConfig(); err != nil {
			return fmt.Errorf("samazure: problem reading configuration file: %v", err)
		}
	}
	level, err := logrus.ParseLevel(Cfg.GetString("log-level"))
	if err != nil {
		return fmt.Errorf("samazure: %v", err)
	}
	logrus.SetLevel(level)
	if Cfg.GetBool("log-json") {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{})
	}
	return nil
}

// Root is the main command.
var Root = &cobra.Command{
	Use:   "samazure",
	Short: "Run building simulations on Azure Batch.",
	Long: `SAMAzure runs Radiance daylighting and EnergyPlus energy simulations as
parallel tasks on a batch service. A case is uploaded to blob storage, split
into jobs of at most 100 tasks, run, and its results are downloaded and
combined. Use the subcommands specified below to access this functionality.

Refer to the subcommand documentation for configuration options and default settings.
Configuration can be changed by using a configuration file (and providing the
path to the file using the --config flag), by using command-line arguments,
or by setting environment variables in the format 'SAMAZURE_VAR' where 'VAR' is the
name of the variable to be set, with dots replaced by underscores.
Refer to https://github.com/spf13/viper for additional configuration information.`,
	DisableAutoGenTag: true,
	PersistentPreRunE: func(*cobra.Command, []string) error { return setConfig() },
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Long:  "version prints the version number of this version of SAMAzure.",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.Printf("SAMAzure v%s\n", samazure.Version)
	},
	DisableAutoGenTag: true,
}

var radianceCmd = &cobra.Command{
	Use:   "radiance",
	Short: "Run Radiance daylighting simulations.",
	Long: `radiance runs a Radiance daylighting case, which holds the shared inputs
surfaces.json and sky_mtx.json and one analysis grid per task in the
AnalysisGrids directory. Each task writes <grid>_result.json.`,
	DisableAutoGenTag: true,
}

var energyPlusCmd = &cobra.Command{
	Use:   "energyplus",
	Short: "Run EnergyPlus energy simulations.",
	Long: `energyplus runs an EnergyPlus case, which holds the shared weather file
weatherfile.epw and one model per task in the models directory. Each task
writes <model>out.csv.`,
	DisableAutoGenTag: true,
}

var (
	radianceSubmitCmd    = submitCommand("radiance")
	radianceRunCmd       = runCommand("radiance")
	radianceCombineCmd   = combineCommand("radiance")
	energyPlusSubmitCmd  = submitCommand("energyplus")
	energyPlusRunCmd     = runCommand("energyplus")
	energyPlusCombineCmd = combineCommand("energyplus")
)

func submitCommand(workload string) *cobra.Command {
	return &cobra.Command{
		Use:   "submit",
		Short: fmt.Sprintf("Submit a %s case.", workload),
		Long: `submit uploads the case, creates its pools, jobs and tasks and saves
a manifest of them for the status, wait, output and delete commands.
If the same case has already been submitted under the project id, the
existing submission is kept.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := Submit(cmd.Context(), Cfg, workload)
			return err
		},
		DisableAutoGenTag: true,
	}
}

func runCommand(workload string) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: fmt.Sprintf("Submit a %s case and wait for its results.", workload),
		Long: `run submits the case, waits for its tasks to complete, downloads their
outputs to results-dir and then deletes the resources it created. If the
same case has already been submitted under the project id, run resumes
the existing submission.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			_, err := Run(cmd.Context(), Cfg, workload)
			return err
		},
		DisableAutoGenTag: true,
	}
}

func combineCommand(workload string) *cobra.Command {
	return &cobra.Command{
		Use:   "combine",
		Short: fmt.Sprintf("Combine downloaded %s results.", workload),
		Long: `combine joins the result files in results-dir into a single CSV file,
adding a column with the name of the file each row came from.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return Combine(Cfg, workload, cmd.OutOrStdout())
		},
		DisableAutoGenTag: true,
	}
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Print the status of a submission.",
	Long: `status prints the number of tasks in each state for each job of the
submission, along with failed tasks and missing outputs.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := Status(cmd.Context(), Cfg, cmd.OutOrStdout())
		return err
	},
	DisableAutoGenTag: true,
}

var waitCmd = &cobra.Command{
	Use:   "wait",
	Short: "Wait for a submission to complete.",
	Long:  `wait waits until every task of the submission has completed, or timeout passes.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Wait(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var outputCmd = &cobra.Command{
	Use:   "output",
	Short: "Download the outputs of a submission.",
	Long: `output downloads the outputs of the tasks of the submission to
results-dir and, if archive is set, copies them to the archive bucket.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Output(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}

var deleteCmd = &cobra.Command{
	Use:   "delete",
	Short: "Delete the resources of a submission.",
	Long: `delete deletes the jobs, pools and storage container of the submission.
Use the delete-* flags to keep some of them. Once all of them are
deleted, the manifest is removed.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return Delete(cmd.Context(), Cfg)
	},
	DisableAutoGenTag: true,
}
