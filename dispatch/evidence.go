package dispatch

import (
	"context"
	"encoding/base64"

	"github.com/veilcrawl/veilcrawl/capture"
	"github.com/veilcrawl/veilcrawl/evidence"
	"github.com/veilcrawl/veilcrawl/kit"
	"github.com/veilcrawl/veilcrawl/pagehost"
)

func mustPresetForensic() pagehost.CaptureOptions {
	opts, _ := capture.PresetOptions(capture.PresetForensic)
	return opts
}

// actorFor attributes evidence operations: explicit argument, else the
// connected client id, else "operator".
func actorFor(ctx context.Context, args Args) string {
	if actor := args.String("actor"); actor != "" {
		return actor
	}
	if id := kit.GetClientID(ctx); id != "" {
		return id
	}
	return "operator"
}

func registerEvidenceCommands(reg *Registry, d *Deps) {
	reg.Register("create_investigation", []string{"name", "caseId"}, func(ctx context.Context, args Args) (Result, error) {
		inv, err := d.Evidence.CreateInvestigation(ctx, args.String("name"), args.String("caseId"),
			args.String("investigator"), args.String("description"))
		if err != nil {
			return nil, err
		}
		return Result{"investigation": inv}, nil
	})

	reg.Register("collect_evidence", []string{"investigationId", "type"}, func(ctx context.Context, args Args) (Result, error) {
		var data []byte
		switch {
		case args.Has("data"):
			raw, err := base64.StdEncoding.DecodeString(args.String("data"))
			if err != nil {
				// Tolerate plain-text payloads (html source, notes).
				raw = []byte(args.String("data"))
			}
			data = raw
		default:
			// No payload: capture the active page as the evidence body.
			h, _, err := d.hostFor(args)
			if err != nil {
				return nil, err
			}
			shot, err := d.Capture.Viewport(ctx, h, mustPresetForensic())
			if err != nil {
				return nil, err
			}
			data = shot.Data
		}

		item, err := d.Evidence.Collect(ctx, args.String("investigationId"), args.String("type"),
			args.String("description"), data, actorFor(ctx, args))
		if err != nil {
			return nil, err
		}
		return Result{"evidence": item}, nil
	})

	reg.Register("verify_evidence", []string{"evidenceId"}, func(ctx context.Context, args Args) (Result, error) {
		passed, err := d.Evidence.Verify(ctx, args.String("evidenceId"), actorFor(ctx, args))
		if err != nil {
			return nil, err
		}
		return Result{"verified": passed}, nil
	})

	reg.Register("seal_evidence", []string{"evidenceId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Evidence.Seal(ctx, args.String("evidenceId"), actorFor(ctx, args)); err != nil {
			return nil, err
		}
		return Result{"sealed": true}, nil
	})

	reg.Register("create_evidence_package", []string{"investigationId", "name"}, func(ctx context.Context, args Args) (Result, error) {
		pkg, err := d.Evidence.CreatePackage(ctx, args.String("investigationId"), args.String("name"), actorFor(ctx, args))
		if err != nil {
			return nil, err
		}
		return Result{"package": pkg}, nil
	})

	reg.Register("add_to_package", []string{"packageId", "evidenceId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Evidence.AddToPackage(args.String("packageId"), args.String("evidenceId")); err != nil {
			return nil, err
		}
		return Result{"added": true}, nil
	})

	reg.Register("seal_package", []string{"packageId"}, func(ctx context.Context, args Args) (Result, error) {
		if err := d.Evidence.SealPackage(ctx, args.String("packageId"), actorFor(ctx, args)); err != nil {
			return nil, err
		}
		pkg, err := d.Evidence.GetPackage(args.String("packageId"))
		if err != nil {
			return nil, err
		}
		return Result{"package": pkg}, nil
	})

	reg.Register("export_package", []string{"packageId", "format"}, func(ctx context.Context, args Args) (Result, error) {
		out, err := d.Evidence.ExportPackage(args.String("packageId"),
			evidence.ExportFormat(args.String("format")),
			evidence.ExportOptions{IncludeAudit: args.Bool("includeAudit", false)})
		if err != nil {
			return nil, err
		}
		return Result{"export": out, "format": args.String("format")}, nil
	})

	reg.Register("evidence_stats", nil, func(ctx context.Context, args Args) (Result, error) {
		return Result{"stats": d.Evidence.Stats()}, nil
	})
}
