package collection_test

import (
	"errors"
	"os"
	"path/filepath"
	"strings"

	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"

	"github.com/rancher/pipeline-setup/internal/collection"
)

var _ = Describe("ParseCollection", func() {
	const exported = `{
		"collection": {
			"info": {
				"_postman_id": "c0ffee",
				"name": "Orders API",
				"schema": "https://schema.getpostman.com/json/collection/v2.1.0/collection.json"
			},
			"item": [
				{"name": "list orders", "request": {"method": "GET", "url": "{{baseUrl}}/orders"}},
				{"name": "admin", "item": [
					{"name": "delete order", "request": {"method": "DELETE", "url": "{{baseUrl}}/orders/1"}},
					{"name": "audit", "item": [
						{"name": "read log", "request": "{{baseUrl}}/audit"}
					]}
				]}
			]
		}
	}`

	It("parses the envelope returned by the Postman API", func() {
		c, err := collection.ParseCollection(strings.NewReader(exported))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Name).To(Equal("Orders API"))
		Expect(c.PostmanID).To(Equal("c0ffee"))
		Expect(c.Schema).To(ContainSubstring("v2.1.0"))
		Expect(c.ItemCount).To(Equal(3))
	})

	It("parses a bare collection document", func() {
		c, err := collection.ParseCollection(strings.NewReader(`{"info":{"name":"  Bare  "},"item":[]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(c.Name).To(Equal("Bare"))
		Expect(c.ItemCount).To(BeZero())
	})

	It("requires info.name", func() {
		_, err := collection.ParseCollection(strings.NewReader(`{"info":{"schema":"x"},"item":[]}`))
		Expect(errors.Is(err, collection.ErrInvalidDocument)).To(BeTrue())
		Expect(err.Error()).To(ContainSubstring("info.name"))
	})

	It("rejects malformed JSON", func() {
		_, err := collection.ParseCollection(strings.NewReader(`{"info":`))
		Expect(errors.Is(err, collection.ErrInvalidDocument)).To(BeTrue())
	})
})

var _ = Describe("ParseEnvironment", func() {
	It("parses wrapped and bare environments", func() {
		env, err := collection.ParseEnvironment(strings.NewReader(`{"environment":{"name":"staging","values":[{"key":"baseUrl","value":"https://staging"},{"key":"token","value":""}]}}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(env).To(Equal(collection.Environment{Name: "staging", ValueCount: 2}))

		env, err = collection.ParseEnvironment(strings.NewReader(`{"name":"local","values":[]}`))
		Expect(err).NotTo(HaveOccurred())
		Expect(env.Name).To(Equal("local"))
	})

	It("requires a name", func() {
		_, err := collection.ParseEnvironment(strings.NewReader(`{"values":[]}`))
		Expect(errors.Is(err, collection.ErrInvalidDocument)).To(BeTrue())
	})
})

var _ = Describe("file parsing", func() {
	var dir string

	BeforeEach(func() {
		var err error
		dir, err = os.MkdirTemp("", "collection-")
		Expect(err).NotTo(HaveOccurred())
		DeferCleanup(os.RemoveAll, dir)
	})

	It("reads collections and environments from disk", func() {
		colPath := filepath.Join(dir, "collection.json")
		envPath := filepath.Join(dir, "environment.json")
		Expect(os.WriteFile(colPath, []byte(`{"info":{"name":"demo"},"item":[{"name":"ping","request":{}}]}`), 0o644)).To(Succeed())
		Expect(os.WriteFile(envPath, []byte(`{"name":"dev","values":[{"key":"a"}]}`), 0o644)).To(Succeed())

		c, err := collection.ParseCollectionFile(colPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(c.ItemCount).To(Equal(1))

		env, err := collection.ParseEnvironmentFile(envPath)
		Expect(err).NotTo(HaveOccurred())
		Expect(env.ValueCount).To(Equal(1))
	})

	It("reports missing files", func() {
		_, err := collection.ParseCollectionFile(filepath.Join(dir, "absent.json"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())

		_, err = collection.ParseEnvironmentFile(filepath.Join(dir, "absent.json"))
		Expect(errors.Is(err, os.ErrNotExist)).To(BeTrue())
	})
})
