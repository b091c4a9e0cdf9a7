package service

import (
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/loykin/warden/internal/errs"
	"github.com/loykin/warden/internal/process"
)

// ModelSpec deploys an inference backend through byzerllm.
type ModelSpec struct {
	PretrainedModelType string            `json:"pretrained_model_type"`
	CPUsPerWorker       float64           `json:"cpus_per_worker"`
	GPUsPerWorker       float64           `json:"gpus_per_worker"`
	NumWorkers          int               `json:"num_workers"`
	WorkerConcurrency   int               `json:"worker_concurrency,omitempty"`
	InferParams         map[string]string `json:"infer_params,omitempty"`
	ModelPath           string            `json:"model_path,omitempty"`
	InferBackend        string            `json:"infer_backend,omitempty"`
	// DeployCommand and UndeployCommand replace the generated byzerllm
	// command lines when set.
	DeployCommand   []string `json:"deploy_command,omitempty"`
	UndeployCommand []string `json:"undeploy_command,omitempty"`
	WorkDir         string   `json:"work_dir,omitempty"`
	Env             []string `json:"env,omitempty"`
}

// RetrievalSpec serves a document collection through auto-coder.rag.
type RetrievalSpec struct {
	Model                   string   `json:"model"`
	TokenizerPath           string   `json:"tokenizer_path,omitempty"`
	DocDir                  string   `json:"doc_dir"`
	DocFilterRelevance      float64  `json:"rag_doc_filter_relevance"`
	Host                    string   `json:"host"`
	Port                    int      `json:"port"`
	RequiredExts            string   `json:"required_exts,omitempty"`
	DisableInferenceEnhance bool     `json:"disable_inference_enhance,omitempty"`
	InferenceDeepThought    bool     `json:"inference_deep_thought,omitempty"`
	Command                 []string `json:"command,omitempty"`
	WorkDir                 string   `json:"work_dir,omitempty"`
	Env                     []string `json:"env,omitempty"`
}

// SQLEngineSpec runs a Byzer SQL installation via its bin/byzer.sh script.
// The script daemonizes, so the engine PID is read from PIDFile.
type SQLEngineSpec struct {
	InstallDir string   `json:"install_dir"`
	Host       string   `json:"host,omitempty"`
	Port       int      `json:"port,omitempty"`
	PIDFile    string   `json:"pid_file,omitempty"`
	Env        []string `json:"env,omitempty"`
}

// ApplyDefaults fills unset fields the way the add forms do.
func (r *Record) ApplyDefaults() {
	switch {
	case r.Model != nil:
		m := r.Model
		if m.CPUsPerWorker == 0 {
			m.CPUsPerWorker = 0.001
		}
		if m.NumWorkers == 0 {
			m.NumWorkers = 1
		}
	case r.Retrieval != nil:
		g := r.Retrieval
		if g.Model == "" {
			g.Model = "deepseek_chat"
		}
		if g.DocFilterRelevance == 0 {
			g.DocFilterRelevance = 2.0
		}
		if g.Host == "" {
			g.Host = "0.0.0.0"
		}
		if g.Port == 0 {
			g.Port = 8000
		}
	case r.SQLEngine != nil:
		if r.SQLEngine.PIDFile == "" && r.SQLEngine.InstallDir != "" {
			r.SQLEngine.PIDFile = filepath.Join(r.SQLEngine.InstallDir, "pid")
		}
	}
}

func (m *ModelSpec) validate() error {
	if len(m.DeployCommand) > 0 {
		return nil
	}
	if m.PretrainedModelType == "" {
		return errs.InvalidState("model spec requires pretrained_model_type or deploy_command")
	}
	if m.NumWorkers < 0 || m.CPUsPerWorker < 0 || m.GPUsPerWorker < 0 {
		return errs.InvalidState("model spec resources must not be negative")
	}
	return nil
}

func (g *RetrievalSpec) validate() error {
	if len(g.Command) > 0 {
		return nil
	}
	if g.DocDir == "" {
		return errs.InvalidState("retrieval spec requires doc_dir")
	}
	if g.Port <= 0 || g.Port > 65535 {
		return errs.InvalidState("retrieval spec port %d out of range", g.Port)
	}
	return nil
}

func (q *SQLEngineSpec) validate() error {
	if q.InstallDir == "" || !filepath.IsAbs(q.InstallDir) {
		return errs.InvalidState("sql_engine spec requires an absolute install_dir")
	}
	return nil
}

func (q *SQLEngineSpec) script() string {
	return filepath.Join(q.InstallDir, "bin", "byzer.sh")
}

func fmtFloat(f float64) string { return strconv.FormatFloat(f, 'f', -1, 64) }

// DeployArgv is the byzerllm command line that deploys the model.
func (m *ModelSpec) DeployArgv(name string) []string {
	if len(m.DeployCommand) > 0 {
		return m.DeployCommand
	}
	argv := []string{"byzerllm", "deploy",
		"--pretrained_model_type", m.PretrainedModelType,
		"--cpus_per_worker", fmtFloat(m.CPUsPerWorker),
		"--gpus_per_worker", fmtFloat(m.GPUsPerWorker),
		"--num_workers", strconv.Itoa(m.NumWorkers),
	}
	if m.WorkerConcurrency > 0 {
		argv = append(argv, "--worker_concurrency", strconv.Itoa(m.WorkerConcurrency))
	}
	if m.InferBackend != "" {
		argv = append(argv, "--infer_backend", m.InferBackend)
	}
	if m.ModelPath != "" {
		argv = append(argv, "--model_path", m.ModelPath)
	}
	if len(m.InferParams) > 0 {
		keys := make([]string, 0, len(m.InferParams))
		for k := range m.InferParams {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		argv = append(argv, "--infer_params")
		for _, k := range keys {
			argv = append(argv, k+"="+m.InferParams[k])
		}
	}
	return append(argv, "--model", name)
}

// UndeployArgv is run before the deploy process is signalled. A custom
// deploy command without a matching undeploy command gets none.
func (m *ModelSpec) UndeployArgv(name string) []string {
	if len(m.UndeployCommand) > 0 {
		return m.UndeployCommand
	}
	if len(m.DeployCommand) > 0 {
		return nil
	}
	return []string{"byzerllm", "undeploy", name}
}

// ServeArgv is the auto-coder.rag command line for the service.
func (g *RetrievalSpec) ServeArgv() []string {
	if len(g.Command) > 0 {
		return g.Command
	}
	argv := []string{"auto-coder.rag", "serve", "--quick",
		"--model", g.Model,
		"--doc_dir", g.DocDir,
		"--rag_doc_filter_relevance", fmtFloat(g.DocFilterRelevance),
		"--host", g.Host,
		"--port", strconv.Itoa(g.Port),
	}
	if g.TokenizerPath != "" {
		argv = append(argv, "--tokenizer_path", g.TokenizerPath)
	}
	if g.RequiredExts != "" {
		argv = append(argv, "--required_exts", g.RequiredExts)
	}
	if g.DisableInferenceEnhance {
		argv = append(argv, "--disable_inference_enhance")
	}
	if g.InferenceDeepThought {
		argv = append(argv, "--inference_deep_thought")
	}
	return argv
}

// Endpoint returns the host:port clients should dial. A wildcard bind
// address is reached through loopback.
func (g *RetrievalSpec) Endpoint() (string, int) {
	host := g.Host
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return host, g.Port
}

// ProcessSpec turns the record into what the supervisor launches.
func (r Record) ProcessSpec() (process.Spec, error) {
	if err := r.Validate(); err != nil {
		return process.Spec{}, err
	}
	switch r.Kind {
	case KindModel:
		m := r.Model
		return process.Spec{
			Name:        r.Name,
			Argv:        m.DeployArgv(r.Name),
			WorkDir:     m.WorkDir,
			Env:         m.Env,
			StopCommand: m.UndeployArgv(r.Name),
		}, nil
	case KindRetrieval:
		g := r.Retrieval
		return process.Spec{
			Name:    r.Name,
			Argv:    g.ServeArgv(),
			WorkDir: g.WorkDir,
			Env:     g.Env,
		}, nil
	case KindSQLEngine:
		q := r.SQLEngine
		script := q.script()
		if st, err := os.Stat(script); err != nil || st.IsDir() {
			return process.Spec{}, errs.InvalidState("invalid installation directory %s: missing bin/byzer.sh", q.InstallDir)
		}
		pidFile := q.PIDFile
		if pidFile == "" {
			pidFile = filepath.Join(q.InstallDir, "pid")
		}
		return process.Spec{
			Name:        r.Name,
			Argv:        []string{script, "start"},
			WorkDir:     q.InstallDir,
			Env:         q.Env,
			PIDFile:     pidFile,
			StopCommand: []string{script, "stop"},
		}, nil
	}
	return process.Spec{}, errs.InvalidState("unknown kind %q", r.Kind)
}

// Describe is a one-line summary of the launch command.
func (r Record) Describe() string {
	ps, err := r.ProcessSpec()
	if err != nil {
		return ""
	}
	return strings.Join(ps.Argv, " ")
}
