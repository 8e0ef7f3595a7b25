// deepstackctl manages a local DeepStack container and exposes its vision
// capabilities (face recognition, registration, comparison, scene
// classification, object detection, image enhancement) as subcommands.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"deepstack-go/internal/batch"
	"deepstack-go/internal/config"
	"deepstack-go/internal/deepstack"
	"deepstack-go/internal/docker"
	"deepstack-go/internal/logger"
	"deepstack-go/internal/orchestrator"
	"deepstack-go/internal/sysinfo"

	log "github.com/sirupsen/logrus"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}

	cmd, args := os.Args[1], os.Args[2:]

	var err error
	switch cmd {
	case "ensure":
		err = runEnsure(args)
	case "recognize":
		err = runRecognize(args)
	case "detect":
		err = runDetect(args)
	case "scene":
		err = runScene(args)
	case "register":
		err = runRegister(args)
	case "faces":
		err = runFaces(args)
	case "delete-face":
		err = runDeleteFace(args)
	case "delete-all-faces":
		err = runDeleteAllFaces(args)
	case "compare":
		err = runCompare(args)
	case "enhance":
		err = runEnhance(args)
	case "update-all":
		err = runUpdateAll(args)
	case "status":
		err = runStatus(args)
	case "help", "-h", "--help":
		usage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n", cmd)
		usage()
		os.Exit(2)
	}

	if err != nil {
		log.Fatalf("%s failed: %v", cmd, err)
	}
}

func usage() {
	fmt.Fprint(os.Stderr, `Usage: deepstackctl <command> [flags] [args]

Container commands:
  ensure            bring the DeepStack container to a running, healthy state
  status            show container state and host statistics

Vision commands:
  recognize         recognize registered faces in an image
  detect            detect objects in an image
  scene             classify the scene of an image
  compare           compare the faces in two images
  enhance           upscale an image 4x

Face registry commands:
  register          register face images under an identifier
  faces             list registered identifiers
  delete-face       delete one registered identifier
  delete-all-faces  wipe the whole face registry (requires -yes)

Batch commands:
  update-all        annotate all images in the given directories

Run 'deepstackctl <command> -h' for command flags.
`)
}

// commonFlags is the flag surface every capability command shares. Zero
// values mean "not set"; only set flags override the loaded configuration.
type commonFlags struct {
	configPath     *string
	containerName  *string
	volumeName     *string
	imageName      *string
	logLevel       *string
	port           *int
	healthTimeout  *int
	healthInterval *int
	threshold      *float64
	gpu            *bool
	force          *bool
	noInit         *bool
}

func registerCommon(fs *flag.FlagSet) *commonFlags {
	f := &commonFlags{}
	f.configPath = fs.String("config", "", "path to a YAML configuration file")
	f.containerName = fs.String("container-name", "", "DeepStack container name")
	f.volumeName = fs.String("volume-name", "", "face data volume name")
	f.imageName = fs.String("image-name", "", "container image override")
	f.logLevel = fs.String("log-level", "", "log level (debug, info, warn, error)")
	f.port = fs.Int("port", 0, "host port the service is published on (1-65535)")
	f.healthTimeout = fs.Int("health-timeout", 0, "health check timeout in seconds (10-300)")
	f.healthInterval = fs.Int("health-interval", 0, "health check interval in seconds (1-10)")
	f.threshold = fs.Float64("threshold", -1, "confidence threshold (0-1)")
	f.gpu = fs.Bool("gpu", false, "run the container with GPU support")
	f.force = fs.Bool("force", false, "destroy and rebuild the container and volume first")
	f.noInit = fs.Bool("no-docker-init", false, "skip ensuring the container before the call")
	return f
}

func (f *commonFlags) load() (*config.Config, error) {
	cfg, err := config.Load(*f.configPath)
	if err != nil {
		return nil, err
	}

	if *f.containerName != "" {
		cfg.Service.ContainerName = *f.containerName
	}
	if *f.volumeName != "" {
		cfg.Service.VolumeName = *f.volumeName
	}
	if *f.imageName != "" {
		cfg.Service.ImageName = *f.imageName
	}
	if *f.logLevel != "" {
		cfg.Log.Level = *f.logLevel
	}
	if *f.port != 0 {
		cfg.Service.ServicePort = *f.port
	}
	if *f.healthTimeout != 0 {
		cfg.Service.HealthCheckTimeout = *f.healthTimeout
	}
	if *f.healthInterval != 0 {
		cfg.Service.HealthCheckInterval = *f.healthInterval
	}
	if *f.threshold >= 0 {
		cfg.API.ConfidenceThreshold = *f.threshold
	}
	if *f.gpu {
		cfg.Service.UseGPU = true
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// app wires the service stack for one invocation.
type app struct {
	cfg  *config.Config
	orch *orchestrator.Orchestrator
	svc  *deepstack.Service
}

func newApp(f *commonFlags) (*app, error) {
	cfg, err := f.load()
	if err != nil {
		return nil, err
	}
	if err := logger.Init(cfg.Log); err != nil {
		log.Errorf("Failed to initialize logger completely: %v", err)
	}

	probe, err := orchestrator.NewHTTPProbe(cfg.Service.APIBaseURL(), cfg.Service.HealthCheckPath)
	if err != nil {
		return nil, err
	}
	orch := orchestrator.New(docker.NewCLI(), probe, cfg.Service)

	var controller deepstack.ContainerController
	if !*f.noInit {
		controller = orch
	}
	svc := deepstack.NewService(deepstack.NewClient(cfg.Service.APIBaseURL()), controller, cfg.API, cfg.Service.FacesPath, *f.force)

	return &app{cfg: cfg, orch: orch, svc: svc}, nil
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func runEnsure(args []string) error {
	fs := flag.NewFlagSet("ensure", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	a, err := newApp(common)
	if err != nil {
		return err
	}

	ready, err := a.orch.EnsureReady(context.Background(), *common.force)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"ready": ready})
}

func runRecognize(args []string) error {
	fs := flag.NewFlagSet("recognize", flag.ExitOnError)
	common := registerCommon(fs)
	image := fs.String("image", "", "path to the image file (required)")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.RecognizeFaces(context.Background(), *image)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runDetect(args []string) error {
	fs := flag.NewFlagSet("detect", flag.ExitOnError)
	common := registerCommon(fs)
	image := fs.String("image", "", "path to the image file (required)")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.DetectObjects(context.Background(), *image)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runScene(args []string) error {
	fs := flag.NewFlagSet("scene", flag.ExitOnError)
	common := registerCommon(fs)
	image := fs.String("image", "", "path to the image file (required)")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.DetectScene(context.Background(), *image)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runRegister(args []string) error {
	fs := flag.NewFlagSet("register", flag.ExitOnError)
	common := registerCommon(fs)
	identifier := fs.String("identifier", "", "identifier to register the faces under (required)")
	fs.Parse(args)
	if *identifier == "" {
		return fmt.Errorf("-identifier is required")
	}
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one image path argument is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.RegisterFace(context.Background(), *identifier, fs.Args())
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runFaces(args []string) error {
	fs := flag.NewFlagSet("faces", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	a, err := newApp(common)
	if err != nil {
		return err
	}
	faces, err := a.svc.ListFaces(context.Background())
	if err != nil {
		return err
	}
	return printJSON(faces)
}

func runDeleteFace(args []string) error {
	fs := flag.NewFlagSet("delete-face", flag.ExitOnError)
	common := registerCommon(fs)
	identifier := fs.String("identifier", "", "identifier to delete (required)")
	fs.Parse(args)
	if *identifier == "" {
		return fmt.Errorf("-identifier is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	ok, err := a.svc.DeleteFace(context.Background(), *identifier)
	if err != nil {
		return err
	}
	return printJSON(map[string]bool{"success": ok})
}

func runDeleteAllFaces(args []string) error {
	fs := flag.NewFlagSet("delete-all-faces", flag.ExitOnError)
	common := registerCommon(fs)
	yes := fs.Bool("yes", false, "confirm wiping the whole face registry")
	fs.Parse(args)

	a, err := newApp(common)
	if err != nil {
		return err
	}
	if err := a.svc.DeleteAllFaces(context.Background(), *yes); err != nil {
		return err
	}
	return printJSON(map[string]bool{"success": true})
}

func runCompare(args []string) error {
	fs := flag.NewFlagSet("compare", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)
	if fs.NArg() != 2 {
		return fmt.Errorf("exactly two image path arguments are required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.CompareFaces(context.Background(), fs.Arg(0), fs.Arg(1))
	if err != nil {
		return err
	}
	return printJSON(result)
}

func runEnhance(args []string) error {
	fs := flag.NewFlagSet("enhance", flag.ExitOnError)
	common := registerCommon(fs)
	image := fs.String("image", "", "path to the image file (required)")
	output := fs.String("output", "", "write the enhanced image to this path")
	fs.Parse(args)
	if *image == "" {
		return fmt.Errorf("-image is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	result, err := a.svc.EnhanceImage(context.Background(), *image, *output)
	if err != nil {
		return err
	}
	// The payload is already on disk or too large to be useful on a terminal.
	if result.OutputPath != "" {
		result.Base64 = ""
	}
	return printJSON(result)
}

func runUpdateAll(args []string) error {
	fs := flag.NewFlagSet("update-all", flag.ExitOnError)
	common := registerCommon(fs)
	workers := fs.Int("workers", 0, "directory concurrency cap")
	fs.Parse(args)
	if fs.NArg() == 0 {
		return fmt.Errorf("at least one directory argument is required")
	}

	a, err := newApp(common)
	if err != nil {
		return err
	}
	if *workers == 0 {
		*workers = a.cfg.Batch.Workers
	}

	updater := batch.NewUpdater(a.svc, *workers)
	summaries, err := updater.UpdateAll(context.Background(), fs.Args())
	if err != nil {
		return err
	}
	return printJSON(summaries)
}

func runStatus(args []string) error {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	common := registerCommon(fs)
	fs.Parse(args)

	a, err := newApp(common)
	if err != nil {
		return err
	}

	state, err := a.orch.State(context.Background())
	if err != nil {
		return err
	}
	return printJSON(map[string]any{
		"container": a.cfg.Service.ContainerName,
		"state":     state.String(),
		"host":      sysinfo.Collect(),
	})
}
