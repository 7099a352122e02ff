package pagehost

import (
	"strings"

	"github.com/go-rod/rod"
	"github.com/go-rod/rod/lib/proto"
)

// applyResourceBlocking sets up request interception to block the given
// resource types (images, fonts, media, stylesheets). Blocking heavy
// resources keeps warm pool entries cheap.
func applyResourceBlocking(page *rod.Page, types []string) error {
	blockSet := make(map[string]bool, len(types))
	for _, t := range types {
		blockSet[strings.ToLower(t)] = true
	}

	router := page.HijackRequests()

	router.MustAdd("*", func(ctx *rod.Hijack) {
		if shouldBlock(blockSet, string(ctx.Request.Type())) {
			ctx.Response.Fail(proto.NetworkErrorReasonBlockedByClient)
			return
		}
		ctx.ContinueRequest(&proto.FetchContinueRequest{})
	})

	go router.Run()
	return nil
}

func shouldBlock(blockSet map[string]bool, resType string) bool {
	lower := strings.ToLower(resType)
	switch lower {
	case "image":
		return blockSet["images"]
	case "font":
		return blockSet["fonts"]
	case "media":
		return blockSet["media"]
	case "stylesheet":
		return blockSet["stylesheets"]
	}
	return blockSet[lower]
}
