package anthropic

// BuildCachedSystemBlocks returns text as a single system block with a
// one-hour cache breakpoint, so repeated requests sharing the same
// instructions read them from the prompt cache.
func BuildCachedSystemBlocks(text string) []SystemBlock {
	if text == "" {
		return nil
	}
	return []SystemBlock{
		{
			Text: text,
			CacheControl: &CacheControl{
				TTL: "1h",
			},
		},
	}
}
