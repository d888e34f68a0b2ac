package policy

// builtinPolicies returns the policies every gate starts with.
func builtinPolicies() []Policy {
	return []Policy{
		absolutePathPolicy(),
		protectedPathPolicy(),
		packageRemovalPolicy(),
	}
}

// absolutePathPolicy requires path-keyed resources to use absolute paths.
func absolutePathPolicy() Policy {
	return Policy{
		Name:        "absolute-paths",
		Description: "File-like resources must use absolute paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package mariner.policies.paths

import rego.v1

path_kinds := {"file", "directory", "link", "template", "remote_file"}

deny contains violation if {
	path_kinds[input.resource.kind]
	not startswith(input.resource.name, "/")
	violation := {
		"message": sprintf("%s path %q must be absolute", [input.resource.kind, input.resource.name]),
		"severity": "error",
	}
}`,
	}
}

// protectedPathPolicy blocks deletion of paths the host cannot survive losing.
func protectedPathPolicy() Policy {
	return Policy{
		Name:        "protected-paths",
		Description: "Blocks delete actions against critical system paths",
		Severity:    SeverityError,
		Enabled:     true,
		Rego: `package mariner.policies.protected

import rego.v1

protected := {"/", "/etc", "/usr", "/var", "/bin", "/sbin", "/lib", "/boot"}

deny contains violation if {
	input.resource.action == "delete"
	protected[input.resource.name]
	violation := {
		"message": sprintf("refusing to delete protected path %q", [input.resource.name]),
		"severity": "error",
	}
}`,
	}
}

// packageRemovalPolicy warns when essential packages are being removed.
func packageRemovalPolicy() Policy {
	return Policy{
		Name:        "essential-packages",
		Description: "Warns on removal of packages the toolchain depends on",
		Severity:    SeverityWarning,
		Enabled:     true,
		Rego: `package mariner.policies.packages

import rego.v1

essential := {"systemd", "openssh-server", "sudo"}

deny contains violation if {
	input.resource.kind == "package"
	input.resource.action == "absent"
	essential[input.resource.name]
	violation := {
		"message": sprintf("removing essential package %q", [input.resource.name]),
		"severity": "warning",
	}
}`,
	}
}
