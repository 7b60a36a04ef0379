package anthropic

// BuildCachedSystemBlocks constructs a single system block with an ephemeral
// cache breakpoint. The classification instructions are identical for every
// item in a job, so later calls read them from the prompt cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if ttl == "" {
		ttl = "5m"
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: ttl,
			},
		},
	}
}
