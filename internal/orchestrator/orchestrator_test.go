package orchestrator_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"time"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
	"gopkg.in/yaml.v3"

	"github.com/rancher/pipeline-setup/internal/collection"
	"github.com/rancher/pipeline-setup/internal/commit"
	gh "github.com/rancher/pipeline-setup/internal/github"
	"github.com/rancher/pipeline-setup/internal/github/ghtest"
	"github.com/rancher/pipeline-setup/internal/orchestrator"
	"github.com/rancher/pipeline-setup/internal/pipeline"
	"github.com/rancher/pipeline-setup/internal/provision"
	"github.com/rancher/pipeline-setup/internal/verify"
)

const (
	collectionJSON  = `{"collection":{"info":{"name":"Orders API","_postman_id":"c0ffee"},"item":[{"name":"list","request":{"method":"GET"}}]}}`
	environmentJSON = `{"environment":{"name":"staging","values":[{"key":"baseUrl","value":"https://staging"}]}}`
)

type fakeExporter struct {
	collections  map[string]string
	environments map[string]string
	err          error
	calls        []string
}

func (f *fakeExporter) ExportCollection(_ context.Context, uid, outputPath string) error {
	f.calls = append(f.calls, "collection:"+uid)
	return f.write(f.collections, uid, outputPath)
}

func (f *fakeExporter) ExportEnvironment(_ context.Context, uid, outputPath string) error {
	f.calls = append(f.calls, "environment:"+uid)
	return f.write(f.environments, uid, outputPath)
}

func (f *fakeExporter) write(docs map[string]string, uid, outputPath string) error {
	if f.err != nil {
		return f.err
	}
	doc, ok := docs[uid]
	if !ok {
		return errors.New("not found in postman")
	}
	return os.WriteFile(outputPath, []byte(doc), 0o644)
}

type failingVerifier struct {
	err   error
	calls int
}

func (v *failingVerifier) Verify(context.Context, string, string) (bool, error) {
	v.calls++
	return false, v.err
}

var _ = Describe("Orchestrator", func() {
	var (
		ctx      context.Context
		workDir  string
		store    *ghtest.Store
		exporter *fakeExporter
		verifier *verify.Verifier
		deps     orchestrator.Deps
		cfg      orchestrator.Config
		slept    []time.Duration
	)

	BeforeEach(func() {
		ctx = context.Background()

		var err error
		workDir, err = os.MkdirTemp("", "orchestrator-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, workDir)

		store = ghtest.NewStore()
		store.Seed("acme", "demo", "main", map[string]string{"README.md": "# demo"})

		exporter = &fakeExporter{
			collections:  map[string]string{"col-1": collectionJSON},
			environments: map[string]string{"env-1": environmentJSON},
		}

		verifier = verify.New(store, nil)
		verifier.Interval = 0

		slept = nil
		deps = orchestrator.Deps{
			Exporter:    exporter,
			Provisioner: provision.New(store, nil),
			Branches:    store,
			Committer:   commit.NewBuilder(store, nil),
			Verifier:    verifier,
			Sleep: func(_ context.Context, d time.Duration) error {
				slept = append(slept, d)
				return nil
			},
		}

		cfg = orchestrator.Config{
			Selection: orchestrator.Selection{
				CollectionSource:    orchestrator.SourceUID,
				Collection:          "col-1",
				EnvironmentRequired: true,
				EnvironmentSource:   orchestrator.SourceUID,
				Environment:         "env-1",
				RepoChoice:          orchestrator.RepoExisting,
				Repository:          "acme/demo",
			},
			WorkDir:     workDir,
			SettleDelay: 10 * time.Second,
		}
	})

	It("exports, commits and verifies the pipeline in one commit on the default branch", func() {
		head := store.Head("acme", "demo", "main")

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).NotTo(HaveOccurred())

		Expect(result.Repository).To(Equal("acme/demo"))
		Expect(result.Branch).To(Equal("main"))
		Expect(result.WorkflowFound).To(BeTrue())
		Expect(result.Collection.Name).To(Equal("Orders API"))
		Expect(result.Environment).To(Equal(&collection.Environment{Name: "staging", ValueCount: 1}))
		Expect(result.Files).To(Equal([]string{
			".github/workflows/postman-tests.yml",
			"collection.json",
			"environment.json",
			"package.json",
		}))

		Expect(store.Head("acme", "demo", "main")).To(Equal(result.CommitSHA))
		info, ok := store.Commit(result.CommitSHA)
		Expect(ok).To(BeTrue())
		Expect(info.Parents).To(Equal([]string{head}))
		Expect(info.Message).To(Equal("Create Pipeline Config"))

		files := store.TreeFiles(info.TreeSHA)
		Expect(files).To(HaveKey("README.md"))
		Expect(files["collection.json"]).To(Equal(collectionJSON))
		Expect(files[".github/workflows/postman-tests.yml"]).To(ContainSubstring("newman run collection.json -e environment.json"))
		Expect(files["package.json"]).To(ContainSubstring(`"test": "npx newman run collection.json -e environment.json"`))

		var wf pipeline.Workflow
		Expect(yaml.Unmarshal([]byte(files[".github/workflows/postman-tests.yml"]), &wf)).To(Succeed())
		Expect(wf.On.Push).NotTo(BeNil())
		Expect(wf.On.Push.Branches).To(BeEmpty())
		Expect(wf.On.PullRequest).To(BeNil())

		Expect(exporter.calls).To(Equal([]string{"collection:col-1", "environment:env-1"}))
		Expect(slept).To(Equal([]time.Duration{10 * time.Second}))
		Expect(store.CallCount("UpdateReference")).To(Equal(1))
		Expect(store.CallCount("ListWorkflows")).To(Equal(1))
	})

	It("creates a new repository and commits a collection that lives outside the work dir", func() {
		outside, err := os.MkdirTemp("", "collection-src-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, outside)
		colPath := filepath.Join(outside, "orders.postman_collection.json")
		Expect(os.WriteFile(colPath, []byte(`{"info":{"name":"Orders"},"item":[]}`), 0o644)).To(Succeed())

		cfg.Selection = orchestrator.Selection{
			CollectionSource: orchestrator.SourceFile,
			Collection:       colPath,
			RepoChoice:       orchestrator.RepoNew,
			Repository:       "fresh",
		}
		deps.Exporter = nil

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Repository).To(Equal("acme/fresh"))
		Expect(result.Environment).To(BeNil())
		Expect(result.Files).To(ContainElement("orders.postman_collection.json"))

		info, _ := store.Commit(store.Head("acme", "fresh", "main"))
		files := store.TreeFiles(info.TreeSHA)
		Expect(files["README.md"]).To(Equal("# fresh"))
		Expect(files[".github/workflows/postman-tests.yml"]).To(ContainSubstring("newman run orders.postman_collection.json --reporters"))
		Expect(files).NotTo(HaveKey("environment.json"))
	})

	It("uses the configured branch without asking for the default", func() {
		cfg.Branch = "refs/heads/main"

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.Branch).To(Equal("main"))
		Expect(store.CallCount("DefaultBranch")).To(BeZero())

		info, _ := store.Commit(result.CommitSHA)
		var wf pipeline.Workflow
		Expect(yaml.Unmarshal([]byte(store.TreeFiles(info.TreeSHA)[".github/workflows/postman-tests.yml"]), &wf)).To(Succeed())
		Expect(wf.On.Push.Branches).To(Equal([]string{"main"}))
		Expect(wf.On.PullRequest.Branches).To(Equal([]string{"main"}))
	})

	It("halts before any remote call when the export fails", func() {
		exporter.err = errors.New("postman unavailable")

		_, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		var stepErr *orchestrator.StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step).To(Equal(orchestrator.StepResolveCollection))
		Expect(err).To(MatchError(ContainSubstring("postman unavailable")))
		Expect(store.Calls()).To(BeEmpty())
	})

	It("rejects a collection without a name before provisioning", func() {
		exporter.collections["col-1"] = `{"info":{},"item":[]}`

		_, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(errors.Is(err, collection.ErrInvalidDocument)).To(BeTrue())
		Expect(store.CallCount("ReadFileContent")).To(BeZero())
	})

	It("reports a missing local collection file", func() {
		cfg.Selection.CollectionSource = orchestrator.SourceFile
		cfg.Selection.Collection = filepath.Join(workDir, "absent.json")

		_, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(errors.Is(err, commit.ErrLocalFileMissing)).To(BeTrue())
		Expect(store.Calls()).To(BeEmpty())
	})

	It("stops at the commit step on a concurrent branch move and never verifies", func() {
		other := store.Seed("acme", "elsewhere", "main", map[string]string{"X.md": "x"})
		store.BeforeUpdateReference = func(owner, repo, branch string) {
			store.SetReference("acme", "demo", "main", other)
		}

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(errors.Is(err, gh.ErrConflict)).To(BeTrue())

		var stepErr *orchestrator.StepError
		Expect(errors.As(err, &stepErr)).To(BeTrue())
		Expect(stepErr.Step).To(Equal(orchestrator.StepCommit))

		Expect(result.CommitSHA).To(BeEmpty())
		Expect(store.Head("acme", "demo", "main")).To(Equal(other))
		Expect(store.CallCount("ListWorkflows")).To(BeZero())
		Expect(slept).To(BeEmpty())
	})

	It("returns success with WorkflowFound false when no workflow registers", func() {
		store.WorkflowCounts = []int{0}

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).NotTo(HaveOccurred())
		Expect(result.WorkflowFound).To(BeFalse())
		Expect(result.CommitSHA).NotTo(BeEmpty())
		Expect(store.CallCount("ListWorkflows")).To(Equal(3))
	})

	It("wraps verification errors with the step name", func() {
		failing := &failingVerifier{err: gh.NewRemoteAPIError(502, "Bad Gateway", nil)}
		deps.Verifier = failing

		result, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).To(HaveOccurred())
		Expect(strings.HasPrefix(err.Error(), "verify workflow: ")).To(BeTrue())
		Expect(result.CommitSHA).NotTo(BeEmpty())
		Expect(failing.calls).To(Equal(1))
	})

	It("aborts during the settle delay when the context is cancelled", func() {
		deps.Sleep = nil
		cancelled, cancel := context.WithCancel(ctx)
		cancel()

		_, err := orchestrator.New(cfg, deps, nil).Run(cancelled)
		Expect(errors.Is(err, context.Canceled)).To(BeTrue())
	})

	It("requires an exporter for uid sources", func() {
		deps.Exporter = nil

		_, err := orchestrator.New(cfg, deps, nil).Run(ctx)
		Expect(err).To(MatchError(ContainSubstring("exporter is required")))
		Expect(store.Calls()).To(BeEmpty())
	})
})

var _ = Describe("Selection", func() {
	valid := orchestrator.Selection{
		CollectionSource: orchestrator.SourceFile,
		Collection:       "collection.json",
		RepoChoice:       orchestrator.RepoExisting,
		Repository:       "acme/demo",
	}

	It("accepts a complete selection", func() {
		Expect(valid.Validate()).To(Succeed())
		Expect(valid.NeedsExporter()).To(BeFalse())
	})

	It("requires an owner for existing repositories", func() {
		sel := valid
		sel.Repository = "demo"
		Expect(sel.Validate()).To(MatchError(ContainSubstring("owner/name")))
	})

	It("validates the environment only when required", func() {
		sel := valid
		sel.EnvironmentSource = "ftp"
		Expect(sel.Validate()).To(Succeed())

		sel.EnvironmentRequired = true
		Expect(sel.Validate()).To(HaveOccurred())

		sel.EnvironmentSource = orchestrator.SourceUID
		sel.Environment = "env-1"
		Expect(sel.Validate()).To(Succeed())
		Expect(sel.NeedsExporter()).To(BeTrue())
	})

	It("rejects unknown repository choices", func() {
		sel := valid
		sel.RepoChoice = ""
		Expect(sel.Validate()).To(HaveOccurred())
	})
})
