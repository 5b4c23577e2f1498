/*
Package declare reads range declaration files.

A declaration file holds one or more YAML documents, each a Template or a
Range resource:

	apiVersion: cyberrange/v1
	kind: Template
	metadata:
	  name: kali
	spec:
	  image: kalilinux/kali-rolling:latest
	  command: ["sleep", "infinity"]
	  configScript: |
	    useradd -m student
	  healthCheck:
	    type: exec
	    command: ["true"]
	  resources:
	    cpus: 1
	    memory_mb: 1024
	---
	apiVersion: cyberrange/v1
	kind: Range
	metadata:
	  name: intro-pentest
	spec:
	  networks:
	    - name: dmz
	      subnet: 10.10.1.0/24
	      isolation: complete
	  vms:
	    - hostname: attacker
	      network: dmz
	      template: kali
	      ip: 10.10.1.10

Ranges refer to networks by name and to templates by name or id. Build
resolves those references and returns draft records; validation of the
result is left to the orchestrator.
*/
package declare
