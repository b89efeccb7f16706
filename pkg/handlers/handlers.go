// Package handlers holds the stub backend handlers for the built-in
// actions. Each renders a placeholder document; none calls real services.
package handlers

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/VaultSovereign/vmq-oracle/pkg/docstore"
	"github.com/VaultSovereign/vmq-oracle/pkg/envelope"
	"github.com/VaultSovereign/vmq-oracle/pkg/invoke"
	"github.com/VaultSovereign/vmq-oracle/pkg/models"
)

type Options struct {
	// ExportBucket names the bucket compliance packages are written to.
	ExportBucket string
}

// Register adds every stub under its action id.
func Register(reg *invoke.Registry, opts Options) {
	if strings.TrimSpace(opts.ExportBucket) == "" {
		opts.ExportBucket = docstore.DefaultBucket
	}
	reg.Register("summarize-docs", SummarizeDocs)
	reg.Register("generate-faq", GenerateFAQ)
	reg.Register("draft-change-note", DraftChangeNote)
	reg.Register("validate-schema", ValidateSchema)
	reg.Register("create-jira-draft", CreateJiraDraft)
	reg.Register("compliance-pack", CompliancePack(opts.ExportBucket))
}

// require answers 400 when keys are missing, mirroring the gateway check
// for handlers reached directly.
func require(inv models.Invocation, keys ...string) (envelope.Response, bool) {
	if missing := inv.MissingParams(keys...); len(missing) > 0 {
		return envelope.MissingParams(missing), false
	}
	return envelope.Response{}, true
}

func ok(body map[string]interface{}) envelope.Response {
	return envelope.Serialized(http.StatusOK, body)
}

func SummarizeDocs(_ context.Context, inv models.Invocation) envelope.Response {
	if resp, ok := require(inv, "documentUris"); !ok {
		return resp
	}
	md := []string{
		"# Executive Summary (STUB)",
		"**Audience:** " + stringParam(inv, "audience", "general"),
		"## Highlights",
		"- (stub) Key findings from documents.",
		"## Risks",
		"- (stub) Identified risk 1",
		"## Next Steps",
		"- (stub) Proposed action 1",
		"",
		"### Sources",
	}
	for _, uri := range listParam(inv, "documentUris") {
		md = append(md, "- "+uri)
	}
	return ok(map[string]interface{}{"summaryMarkdown": strings.Join(md, "\n")})
}

func GenerateFAQ(_ context.Context, inv models.Invocation) envelope.Response {
	maxQuestions := intParam(inv, "maxQuestions", 12)
	prefix := stringParam(inv, "folderPrefix", "s3://"+docstore.DefaultBucket+"/docs/")
	faq := []string{
		"# FAQ (STUB)",
		"_Derived from folder: **" + prefix + "**_",
		"",
		"## Q: What does this folder contain?",
		"- Draft answer: curated scrolls for the knowledge base.",
		"## Q: Who owns this content?",
		"- Draft answer: Knowledge Ops.",
		"## Q: How often is it synced?",
		"- Draft answer: On merge to main via CI.",
	}
	if limit := 2 * maxQuestions; limit >= 0 && limit < len(faq) {
		faq = faq[:limit]
	}
	return ok(map[string]interface{}{"faqMarkdown": strings.Join(faq, "\n")})
}

func DraftChangeNote(_ context.Context, inv models.Invocation) envelope.Response {
	if resp, ok := require(inv, "baselineUri", "updatedUri"); !ok {
		return resp
	}
	md := fmt.Sprintf(`# Change Note (STUB)
**Window:** %s

## Summary
- Drafted change note between **%s** and **%s**.

## Deltas
- (stub) Added section X
- (stub) Updated requirement Y
- (stub) Removed obsolete Z

## Impact
- (stub) Low / Medium / High

## Reviewers
- (stub) @owner1
- (stub) @owner2
`, stringParam(inv, "changeWindow", "Unspecified"), stringParam(inv, "baselineUri", ""), stringParam(inv, "updatedUri", ""))
	return ok(map[string]interface{}{"changeMarkdown": md})
}

func ValidateSchema(_ context.Context, inv models.Invocation) envelope.Response {
	if resp, ok := require(inv, "schemaUri"); !ok {
		return resp
	}
	profile := strings.ToLower(stringParam(inv, "profile", "both"))
	return ok(map[string]interface{}{"validationReport": map[string]interface{}{
		"profileEvaluated": profile,
		"issues":           []interface{}{},
		"summary":          "No issues found in stub mode.",
	}})
}

// CreateJiraDraft never files a ticket; the payload is marked as a dry run
// awaiting an approver.
func CreateJiraDraft(_ context.Context, inv models.Invocation) envelope.Response {
	if resp, ok := require(inv, "projectKey", "summary", "description"); !ok {
		return resp
	}
	labels := listParam(inv, "labels")
	if labels == nil {
		labels = []string{}
	}
	return ok(map[string]interface{}{"jiraPayload": map[string]interface{}{
		"project":          map[string]string{"key": stringParam(inv, "projectKey", "")},
		"summary":          stringParam(inv, "summary", ""),
		"description":      stringParam(inv, "description", ""),
		"labels":           labels,
		"dryRun":           true,
		"approverRequired": true,
	}})
}

func CompliancePack(bucket string) invoke.HandlerFunc {
	return func(_ context.Context, inv models.Invocation) envelope.Response {
		if resp, ok := require(inv, "sourceUris"); !ok {
			return resp
		}
		rid := inv.Context.RequestID
		if rid == "" {
			rid = "stub"
		}
		pkgURI := fmt.Sprintf("s3://%s/packages/%s.zip", bucket, rid)
		cover := fmt.Sprintf(`# Compliance Pack (STUB)
**Regime:** %s

## Contents
- (stub) Collected %d referenced documents
- (stub) Included a README with provenance and guardrail notes

## Provenance & Controls
- Guardrails: credentials-and-secrets, confidential-business-info (active)
- Policy gate: vaultmesh.actions.* (green only)

**Package URI:** %s
`, stringParam(inv, "regime", "ISO27k"), len(listParam(inv, "sourceUris")), pkgURI)
		return ok(map[string]interface{}{"packageUri": pkgURI, "coverMarkdown": cover})
	}
}

func stringParam(inv models.Invocation, key, def string) string {
	switch v := inv.Params[key].(type) {
	case string:
		if v != "" {
			return v
		}
	case nil:
	default:
		return fmt.Sprint(v)
	}
	return def
}

// listParam accepts a JSON list or a single string.
func listParam(inv models.Invocation, key string) []string {
	switch v := inv.Params[key].(type) {
	case []interface{}:
		out := make([]string, 0, len(v))
		for _, item := range v {
			out = append(out, fmt.Sprint(item))
		}
		return out
	case []string:
		return v
	case string:
		if v != "" {
			return []string{v}
		}
	}
	return nil
}

func intParam(inv models.Invocation, key string, def int) int {
	switch v := inv.Params[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n
		}
	}
	return def
}
