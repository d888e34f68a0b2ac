package manifest

// manifestSchema is the CUE definition every manifest must satisfy.
// Unifying a manifest with #Manifest rejects unknown fields, bad kinds,
// and malformed notification entries before any resource is built.
const manifestSchema = `
#Notification: {
	action: string & !=""
	target: string & =~"^[a-z_]+\\[.+\\]$"
	timing: *"delayed" | "immediately"
}

#Resource: {
	kind: "file" | "directory" | "link" | "execute" | "script" | "package" |
		"service" | "remote_file" | "template" | "route" | "sysctl"
	name:      string & !=""
	action?:   string & !=""
	content?:  string
	source?:   string
	to?:       string
	force?:    bool
	mode?:     string & =~"^0?[0-7]{3,4}$"
	owner?:    string
	group?:    string
	version?:  string
	checksum?: string & =~"^[0-9a-f]{64}$"
	command?:  string
	body?:     string
	creates?:  string
	cwd?:      string
	env?: [string]: string
	inline?: string
	variables?: {...}
	gateway?: string
	device?:  string
	value?:   string
	only_if?: string
	not_if?:  string
	notifies?: [...#Notification]
}

#Manifest: {
	vars?: {...}
	resources: [...#Resource]
}
`
