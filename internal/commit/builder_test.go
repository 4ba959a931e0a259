package commit_test

import (
	"context"
	"errors"
	"os"
	"path/filepath"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/pipeline-setup/internal/commit"
	gh "github.com/rancher/pipeline-setup/internal/github"
	"github.com/rancher/pipeline-setup/internal/github/ghtest"
)

var _ = Describe("Builder", func() {
	var (
		ctx     context.Context
		store   *ghtest.Store
		builder *commit.Builder
		dir     string
		c0      string
	)

	writeLocal := func(name, content string) string {
		p := filepath.Join(dir, name)
		Expect(os.MkdirAll(filepath.Dir(p), 0o755)).To(Succeed())
		Expect(os.WriteFile(p, []byte(content), 0o644)).To(Succeed())
		return p
	}

	BeforeEach(func() {
		ctx = context.Background()
		var err error
		dir, err = os.MkdirTemp("", "commit-builder-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)

		store = ghtest.NewStore()
		c0 = store.Seed("acme", "demo", "main", map[string]string{"README.md": "# demo"})
		builder = commit.NewBuilder(store, nil)
	})

	It("commits every file on top of the current head in one reference move", func() {
		workflow := writeLocal("a.yml", "name: a\n")
		collection := writeLocal("col.json", `{"info":{"name":"demo"}}`)

		c1, err := builder.Commit(ctx, "acme", "demo", "main", "Create Pipeline Config", []commit.FileChange{
			{LocalPath: workflow, RepoPath: ".github/workflows/a.yml"},
			{LocalPath: collection, RepoPath: "collection.json"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(c1).NotTo(Equal(c0))
		Expect(store.Head("acme", "demo", "main")).To(Equal(c1))

		info, ok := store.Commit(c1)
		Expect(ok).To(BeTrue())
		Expect(info.Parents).To(Equal([]string{c0}))
		Expect(info.Message).To(Equal("Create Pipeline Config"))
		Expect(store.TreeFiles(info.TreeSHA)).To(Equal(map[string]string{
			"README.md":               "# demo",
			".github/workflows/a.yml": "name: a\n",
			"collection.json":         `{"info":{"name":"demo"}}`,
		}))

		Expect(store.Calls()).To(Equal([]string{
			"GetReferenceTarget",
			"GetCommit",
			"CreateTree",
			"CreateCommit",
			"UpdateReference",
		}))
	})

	It("overwrites files inherited from the base tree", func() {
		readme := writeLocal("README.md", "# replaced")

		c1, err := builder.Commit(ctx, "acme", "demo", "main", "Replace README", []commit.FileChange{
			{LocalPath: readme, RepoPath: "README.md"},
		})
		Expect(err).NotTo(HaveOccurred())

		info, _ := store.Commit(c1)
		Expect(store.TreeFiles(info.TreeSHA)).To(Equal(map[string]string{"README.md": "# replaced"}))
	})

	It("rejects duplicate repository paths without touching the branch", func() {
		first := writeLocal("one.yml", "one")
		second := writeLocal("two.yml", "two")

		before, err := store.GetReferenceTarget(ctx, "acme", "demo", "main")
		Expect(err).NotTo(HaveOccurred())

		_, err = builder.Commit(ctx, "acme", "demo", "main", "dup", []commit.FileChange{
			{LocalPath: first, RepoPath: ".github/workflows/a.yml"},
			{LocalPath: second, RepoPath: `./.github\workflows//a.yml`},
		})
		Expect(errors.Is(err, commit.ErrDuplicatePath)).To(BeTrue())

		after, err := store.GetReferenceTarget(ctx, "acme", "demo", "main")
		Expect(err).NotTo(HaveOccurred())
		Expect(after).To(Equal(before))
		Expect(store.CallCount("CreateTree")).To(BeZero())
	})

	It("treats paths differing only in case as distinct", func() {
		lower := writeLocal("lower.md", "lower")
		upper := writeLocal("upper.md", "upper")

		c1, err := builder.Commit(ctx, "acme", "demo", "main", "case", []commit.FileChange{
			{LocalPath: lower, RepoPath: "docs/readme.md"},
			{LocalPath: upper, RepoPath: "docs/README.md"},
		})
		Expect(err).NotTo(HaveOccurred())

		info, _ := store.Commit(c1)
		Expect(store.TreeFiles(info.TreeSHA)).To(HaveKeyWithValue("docs/readme.md", "lower"))
		Expect(store.TreeFiles(info.TreeSHA)).To(HaveKeyWithValue("docs/README.md", "upper"))
	})

	It("fails fast when a local file is missing", func() {
		present := writeLocal("present.yml", "ok")

		_, err := builder.Commit(ctx, "acme", "demo", "main", "missing", []commit.FileChange{
			{LocalPath: present, RepoPath: "present.yml"},
			{LocalPath: filepath.Join(dir, "absent.json"), RepoPath: "collection.json"},
		})
		Expect(errors.Is(err, commit.ErrLocalFileMissing)).To(BeTrue())
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
		Expect(store.Calls()).To(BeEmpty())
		Expect(store.Head("acme", "demo", "main")).To(Equal(c0))
	})

	It("requires at least one change", func() {
		_, err := builder.Commit(ctx, "acme", "demo", "main", "empty", nil)
		Expect(err).To(HaveOccurred())
		Expect(store.Calls()).To(BeEmpty())
	})

	It("surfaces a missing branch as not found", func() {
		file := writeLocal("a.yml", "a")

		_, err := builder.Commit(ctx, "acme", "demo", "does-not-exist", "msg", []commit.FileChange{
			{LocalPath: file, RepoPath: "a.yml"},
		})
		Expect(errors.Is(err, gh.ErrNotFound)).To(BeTrue())
		Expect(store.CallCount("CreateTree")).To(BeZero())
	})

	It("fails with a conflict and keeps the externally moved head when the branch moves mid-build", func() {
		file := writeLocal("a.yml", "a")

		other := store.Seed("acme", "scratch", "main", map[string]string{"OTHER.md": "other"})
		store.BeforeUpdateReference = func(owner, repo, branch string) {
			store.SetReference("acme", "demo", "main", other)
		}

		orphan, err := builder.Commit(ctx, "acme", "demo", "main", "racing", []commit.FileChange{
			{LocalPath: file, RepoPath: "a.yml"},
		})
		Expect(err).To(HaveOccurred())
		Expect(orphan).To(BeEmpty())
		Expect(errors.Is(err, gh.ErrConflict)).To(BeTrue())

		var apiErr *gh.RemoteAPIError
		Expect(errors.As(err, &apiErr)).To(BeTrue())
		Expect(apiErr.Message).To(Equal("Update is not a fast forward"))

		Expect(store.Head("acme", "demo", "main")).To(Equal(other))
		Expect(store.CallCount("UpdateReference")).To(Equal(1))
	})

	It("aborts without moving the branch when tree creation fails", func() {
		file := writeLocal("a.yml", "a")
		store.Fail = map[string]error{
			"CreateTree": gh.NewRemoteAPIError(422, "Invalid tree info", gh.ErrValidation),
		}

		_, err := builder.Commit(ctx, "acme", "demo", "main", "msg", []commit.FileChange{
			{LocalPath: file, RepoPath: "a.yml"},
		})
		Expect(errors.Is(err, gh.ErrValidation)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("Invalid tree info"))
		Expect(store.CallCount("CreateCommit")).To(BeZero())
		Expect(store.CallCount("UpdateReference")).To(BeZero())
		Expect(store.Head("acme", "demo", "main")).To(Equal(c0))
	})

	It("leaves the branch untouched when commit creation fails", func() {
		file := writeLocal("a.yml", "a")
		store.Fail = map[string]error{"CreateCommit": errors.New("connection reset")}

		_, err := builder.Commit(ctx, "acme", "demo", "main", "msg", []commit.FileChange{
			{LocalPath: file, RepoPath: "a.yml"},
		})
		Expect(err).To(MatchError(ContainSubstring("connection reset")))
		Expect(store.CallCount("UpdateReference")).To(BeZero())
		Expect(store.Head("acme", "demo", "main")).To(Equal(c0))
	})

	It("uploads binary content as a blob and references it by sha", func() {
		binary := []byte{0x89, 'P', 'N', 'G', 0xff, 0xfe, 0x00}
		p := filepath.Join(dir, "logo.png")
		Expect(os.WriteFile(p, binary, 0o644)).To(Succeed())
		text := writeLocal("a.yml", "a")

		c1, err := builder.Commit(ctx, "acme", "demo", "main", "binary", []commit.FileChange{
			{LocalPath: text, RepoPath: "a.yml"},
			{LocalPath: p, RepoPath: "assets/logo.png"},
		})
		Expect(err).NotTo(HaveOccurred())
		Expect(store.CallCount("CreateBlob")).To(Equal(1))

		info, _ := store.Commit(c1)
		Expect(store.TreeFiles(info.TreeSHA)).To(HaveKeyWithValue("assets/logo.png", string(binary)))
	})

	It("produces an identical tree when re-run with the same files", func() {
		workflow := writeLocal("a.yml", "name: a\n")
		collection := writeLocal("col.json", "{}")
		changes := []commit.FileChange{
			{LocalPath: workflow, RepoPath: ".github/workflows/a.yml"},
			{LocalPath: collection, RepoPath: "collection.json"},
		}

		c1, err := builder.Commit(ctx, "acme", "demo", "main", "first", changes)
		Expect(err).NotTo(HaveOccurred())
		c2, err := builder.Commit(ctx, "acme", "demo", "main", "second", changes)
		Expect(err).NotTo(HaveOccurred())

		first, _ := store.Commit(c1)
		second, _ := store.Commit(c2)
		Expect(c2).NotTo(Equal(c1))
		Expect(second.Parents).To(Equal([]string{c1}))
		Expect(second.TreeSHA).To(Equal(first.TreeSHA))
		Expect(store.Head("acme", "demo", "main")).To(Equal(c2))
	})
})
