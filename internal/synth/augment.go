package synth

import (
	"context"
	"strings"

	"github.com/raysh454/uatu/internal/llm"
	"github.com/raysh454/uatu/internal/logging"
	"github.com/raysh454/uatu/internal/model"
)

const errTailLen = 1200

// augment requests one assertion snippet for fn and stages it into tfile.
// Every outcome is returned as metadata; the error is reserved for a failed
// restore.
func (e *Engine) augment(ctx context.Context, req *Request, j *model.Journey, c *model.Contract, cName, proj, tfile string, fn fnShape) (model.AugmentMeta, error) {
	meta := e.gw.Meta()
	in := llm.AssertionInput{
		Contract: cName,
		Function: fn.Name,
		Types:    fn.Types,
		Args:     fn.defaultArgs(),
		Threats:  threatMap(req.Threats.For(model.FunctionKey(cName, fn.Name))),
	}
	if c != nil {
		in.Events = c.EventNames()
		in.Errors = c.Errors
	}
	call := llm.Request{
		Tier:     llm.Mini,
		Template: llm.TemplateAssertionAugment,
		Revision: req.Revision,
		Contract: cName,
		Scope:    j.ID + "_" + fn.Name,
		Prompt:   llm.AssertionPrompt(in),
	}
	am := model.AugmentMeta{Journey: j.ID, Function: fn.Name, Provider: meta.Provider, Model: meta.Model, Tier: string(llm.Mini)}
	if err := e.attempt(ctx, &am, e.gw.Call(ctx, call), j.ID, fn.Name, proj, tfile); err != nil {
		return am, err
	}
	if am.Reason != model.AugmentCompileError || !e.recoveryDue(model.FunctionKey(cName, fn.Name)) {
		return am, nil
	}

	in.Previous = am.Snippet
	call.Tier = llm.Large
	call.Template = llm.TemplateAssertionRecovery
	call.Prompt = llm.AssertionPrompt(in)
	rec := model.AugmentMeta{Journey: j.ID, Function: fn.Name, Provider: meta.Provider, Model: meta.Model, Tier: string(llm.Large)}
	if err := e.attempt(ctx, &rec, e.gw.Call(ctx, call), j.ID, fn.Name, proj, tfile); err != nil {
		return rec, err
	}
	e.logger.Info("large tier recovery attempted",
		logging.Field{Key: "journey", Value: j.ID},
		logging.Field{Key: "function", Value: fn.Name},
		logging.Field{Key: "reason", Value: rec.Reason})
	if rec.Cached == nil {
		// no snippet came back; the compile error stays on record
		return am, nil
	}
	return rec, nil
}

// attempt applies one gateway result: validate the snippet, stage it,
// build, then commit or restore.
func (e *Engine) attempt(ctx context.Context, am *model.AugmentMeta, res llm.Result, journeyID, fn, proj, tfile string) error {
	if !res.Success {
		am.Reason = res.Reason
		if res.Err != nil {
			am.Error = res.Err.Error()
		}
		return nil
	}
	cached := res.Cached
	am.Cached = &cached
	am.Tokens = res.Tokens
	snippet := llm.StripFences(res.Output)
	am.Snippet = snippet

	if !llm.SnippetValid(snippet) {
		am.Reason = model.AugmentInvalidSnippet
		return nil
	}
	staged, err := Stage(tfile, func(orig []byte) ([]byte, error) {
		if strings.Contains(string(orig), "function "+llm.SnippetFunctionName(snippet)+"(") {
			return nil, errDuplicateTest
		}
		return insertSnippet(orig, journeyID, fn, snippet)
	})
	if err != nil {
		am.Reason = model.AugmentInvalidSnippet
		am.Error = err.Error()
		return nil
	}
	am.Patch = staged.Patch()

	kept, buildErr, err := staged.Validate(ctx, func(ctx context.Context) error {
		return e.builder.Build(ctx, proj)
	})
	if err != nil {
		am.Reason = model.AugmentError
		am.Error = err.Error()
		return err
	}
	if kept {
		am.Added = true
		am.Reason = model.AugmentOK
		return nil
	}
	am.Reason = model.AugmentCompileError
	am.Error = tail(buildErr.Error(), errTailLen)
	e.logger.Info("augmentation reverted",
		logging.Field{Key: "journey", Value: journeyID},
		logging.Field{Key: "function", Value: fn})
	return nil
}

// recoveryDue counts a compile error for key and reports whether the one
// large-tier retry should run now.
func (e *Engine) recoveryDue(key string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.compileErrs[key]++
	if !e.cfg.LargeRecovery || e.recovered[key] || e.compileErrs[key] < recoveryAfter {
		return false
	}
	e.recovered[key] = true
	return true
}

func threatMap(b *model.Bucket) map[string][]string {
	out := make(map[string][]string)
	for _, c := range model.Categories() {
		if msgs := b.Get(c); len(msgs) > 0 {
			out[string(c)] = msgs
		}
	}
	return out
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
