package tools

// Default builds the full tool inventory the orchestrator works with.
// Descriptions are what the reasoning model sees, so they carry usage
// guidance, not implementation detail.
func Default() *Registry {
	r := NewRegistry()
	for _, d := range []Descriptor{
		{
			Name:        "semantic_search_images",
			Description: "Search the photo library by a natural-language description. Returns the most similar images with scores and preview URLs. Use for queries like 'red sports car' or '海边日落'.",
			Method:      "POST",
			Path:        "/api/search/text",
			Params: []ParamSpec{
				{Name: "query", Type: "string", Description: "Natural-language description of the wanted images.", Location: InBody, Required: true},
				{Name: "top_k", Type: "integer", Description: "Maximum number of results.", Location: InBody, Default: 10},
				{Name: "score_threshold", Type: "number", Description: "Drop results scoring below this similarity.", Location: InBody},
				{Name: "tags", Type: "array", Items: "string", Description: "Restrict to images carrying any of these tags.", Location: InBody},
			},
		},
		{
			Name:        "search_by_image_id",
			Description: "Find images visually similar to an image already in the library, identified by its UUID. The query image itself is excluded from results.",
			Method:      "POST",
			Path:        "/api/search/image",
			Params: []ParamSpec{
				{Name: "image_id", Type: "string", Description: "UUID of the reference image.", Location: InBody, Required: true},
				{Name: "top_k", Type: "integer", Description: "Maximum number of results.", Location: InBody, Default: 10},
				{Name: "score_threshold", Type: "number", Description: "Drop results scoring below this similarity.", Location: InBody},
			},
		},
		{
			Name:        "meta_search_images",
			Description: "Search by metadata only: a date expression and/or tags, no semantic ranking. Date accepts '2026-01-18', '1.18' or '1月18日'; without a year it matches that month and day across every year.",
			Method:      "POST",
			Path:        "/api/search/meta",
			Params: []ParamSpec{
				{Name: "date_text", Type: "string", Description: "Date expression such as 2026-01-18, 1.18 or 1月18日.", Location: InBody},
				{Name: "tags", Type: "array", Items: "string", Description: "Match images carrying any of these tags.", Location: InBody},
				{Name: "top_k", Type: "integer", Description: "Maximum number of results.", Location: InBody, Default: 10},
			},
		},
		{
			Name:        "meta_search_hybrid",
			Description: "Combine a date expression with a semantic description: first narrow by date, then rank the survivors by similarity to the description. Use for queries like '1月18日的海边照片'.",
			Method:      "POST",
			Path:        "/api/search/hybrid-meta",
			Params: []ParamSpec{
				{Name: "query", Type: "string", Description: "Natural-language description.", Location: InBody, Required: true},
				{Name: "date_text", Type: "string", Description: "Date expression narrowing the candidates.", Location: InBody, Required: true},
				{Name: "tags", Type: "array", Items: "string", Description: "Further restrict to images carrying any of these tags.", Location: InBody},
				{Name: "top_k", Type: "integer", Description: "Maximum number of results.", Location: InBody, Default: 10},
			},
		},
		{
			Name:        "agent_execute_action",
			Description: "Execute a library management action. Supported actions: 'search' (parameters.query_text or parameters.query_image_id, optional top_k and filter_tags); 'update' (parameters.image_id plus new tags and/or description) edits a photo's metadata; 'analyze' (parameters.image_id) describes a photo's content; 'delete_images_preview' (parameters.image_ids) shows what a deletion would remove; 'delete_images' (parameters.image_ids, parameters.confirmed=true, parameters.reason) permanently deletes; 'upload' is reserved. Deletion requires explicit confirmation.",
			Method:      "POST",
			Path:        "/api/agent/action",
			Params: []ParamSpec{
				{Name: "action", Type: "string", Description: "Action name.", Location: InBody, Required: true, Enum: []string{"search", "upload", "update", "analyze", "delete_images_preview", "delete_images"}},
				{Name: "parameters", Type: "object", Description: "Action parameters.", Location: InBody, Required: true},
				{Name: "context", Type: "string", Description: "Free-text context explaining why the action is taken.", Location: InBody},
			},
		},
		{
			Name:        "get_current_time",
			Description: "Return the current server time, formatted as '2006-01-02 15:04:05'. Use to resolve relative dates such as 'yesterday' or '上周' before a metadata search.",
			Method:      "GET",
			Path:        "/api/time",
		},
		{
			Name:        "get_photo_meta_schema",
			Description: "Describe the metadata fields stored per photo (filename, created_at, tags, description) and the date expressions metadata search understands.",
			Method:      "GET",
			Path:        "/api/meta-schema",
		},
		{
			Name:        "generate_social_media_caption",
			Description: "Write a social-media caption for a stored image. Style and purpose steer the tone.",
			Method:      "POST",
			Path:        "/api/images/{image_uuid}/caption",
			Params: []ParamSpec{
				{Name: "image_uuid", Type: "string", Description: "UUID of the image to caption.", Location: InPath, Required: true},
				{Name: "style", Type: "string", Description: "Caption style, e.g. casual, poetic, professional.", Location: InBody},
				{Name: "purpose", Type: "string", Description: "Where the caption will be posted, e.g. instagram, 朋友圈.", Location: InBody},
			},
		},
		{
			Name:        "recommend_images",
			Description: "Judge 1 to 10 candidate images on photographic quality and recommend the best one. Use when the user asks which photo is best, or wants a quality comparison.",
			Method:      "POST",
			Path:        "/api/recommend",
			Params: []ParamSpec{
				{Name: "images", Type: "array", Items: "string", Description: "UUIDs of the candidate images, at most 10.", Location: InBody, Required: true},
				{Name: "user_preference", Type: "string", Description: "Optional preference to weigh, e.g. 'prefer warm colours'.", Location: InBody},
			},
		},
		{
			Name:        "edit_image",
			Description: "Edit a stored image with a natural-language instruction, e.g. 'remove the background' or '把天空变成晚霞'. The result is saved as a new image in the library.",
			Method:      "POST",
			Path:        "/api/images/{image_id}/edit",
			Params: []ParamSpec{
				{Name: "image_id", Type: "string", Description: "UUID of the image to edit.", Location: InPath, Required: true},
				{Name: "prompt", Type: "string", Description: "Edit instruction.", Location: InBody, Required: true},
				{Name: "style_tag", Type: "string", Description: "Optional style name, e.g. anime or watercolor; recorded as a tag on the result.", Location: InBody},
			},
		},
		{
			Name:        "generate_pointcloud",
			Description: "Convert a stored image into a 3D point cloud. Returns a task id; generation runs in the background and the user is notified in the session when it finishes. Always report the task id to the user.",
			Method:      "POST",
			Path:        "/api/pointcloud",
			Params: []ParamSpec{
				{Name: "image_id", Type: "string", Description: "UUID of the source image.", Location: InBody, Required: true},
				{Name: "quality", Type: "string", Description: "Generation quality.", Location: InBody, Enum: []string{"fast", "balanced", "high"}, Default: "balanced"},
				{Name: "async_mode", Type: "boolean", Description: "Run generation in the background.", Location: InBody, Default: true},
			},
		},
		{
			Name:        "knowledge_qa",
			Description: "Answer a question about the content of a stored image, e.g. 'what breed is this dog' or '这是什么地方'. The image is inspected by a vision model.",
			Method:      "POST",
			Path:        "/api/images/{image_uuid}/qa",
			Params: []ParamSpec{
				{Name: "image_uuid", Type: "string", Description: "UUID of the image the question is about.", Location: InPath, Required: true},
				{Name: "question", Type: "string", Description: "The question to answer.", Location: InBody, Required: true},
				{Name: "context", Type: "string", Description: "Extra context for the answer.", Location: InBody},
			},
		},
	} {
		if err := r.Register(d); err != nil {
			panic(err) // duplicate in the static catalogue
		}
	}
	return r
}
