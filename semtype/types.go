// Package semtype defines the closed table of semantic types that tool
// parameters and return values carry, and a Checker that validates concrete
// values against them.
package semtype

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Type is a semantic type code such as UNIPROT_ID or FASTA_PATH.
type Type string

const (
	A3MPath            Type = "A3M_PATH"
	FASTAPath          Type = "FASTA_PATH"
	HMMPath            Type = "HMM_PATH"
	AASequence         Type = "AA_SEQUENCE"
	FoldseekSequence   Type = "FOLDSEEK_SEQUENCE"
	FullStructurePath  Type = "FULL_STRUCTURE_PATH"
	PDBID              Type = "PDB_ID"
	UniProtID          Type = "UNIPROT_ID"
	PfamID             Type = "PFAM_ID"
	UniProtSubsection  Type = "UNIPROT_SUBSECTION"
	SMILES             Type = "SMILES"
	RFdiffusionContigs Type = "RFDIFFUSION_CONTIGS"
	MutationInfo       Type = "MUTATION_INFO"
	Text               Type = "TEXT"
	Parameter          Type = "PARAMETER"
)

// Category groups types by how their values are checked.
type Category string

const (
	CategoryPath       Category = "path"
	CategoryIdentifier Category = "identifier"
	CategorySequence   Category = "sequence"
	CategoryNotation   Category = "notation"
	CategoryFreeform   Category = "freeform"
)

// Def describes one entry of the type table.
type Def struct {
	Type        Type
	Category    Category
	Description string
	// Extensions lists accepted file suffixes for path types.
	Extensions []string
	// Pattern is the normative syntax for string-valued types.
	Pattern *regexp.Regexp
	// LookupURL is a format string resolving an identifier to a public record.
	LookupURL string
}

var table = map[Type]Def{
	A3MPath: {
		Type: A3MPath, Category: CategoryPath,
		Description: "path to a multiple sequence alignment in A3M format",
		Extensions:  []string{".a3m"},
	},
	FASTAPath: {
		Type: FASTAPath, Category: CategoryPath,
		Description: "path to a FASTA file with one or more sequences",
		Extensions:  []string{".fasta", ".fa", ".faa", ".fas"},
	},
	HMMPath: {
		Type: HMMPath, Category: CategoryPath,
		Description: "path to a profile hidden Markov model (HMMER format)",
		Extensions:  []string{".hmm"},
	},
	FullStructurePath: {
		Type: FullStructurePath, Category: CategoryPath,
		Description: "path to a full-atom protein structure (PDB or mmCIF)",
		Extensions:  []string{".pdb", ".cif", ".mmcif", ".ent"},
	},
	AASequence: {
		Type: AASequence, Category: CategorySequence,
		Description: "amino acid sequence in one-letter code",
		Pattern:     regexp.MustCompile(`^[ACDEFGHIKLMNPQRSTVWYBXZUO]+$`),
	},
	FoldseekSequence: {
		Type: FoldseekSequence, Category: CategorySequence,
		Description: "Foldseek 3Di structural alphabet sequence (lower case)",
		Pattern:     regexp.MustCompile(`^[acdefghiklmnpqrstvwy#]+$`),
	},
	PDBID: {
		Type: PDBID, Category: CategoryIdentifier,
		Description: "four character Protein Data Bank entry identifier, e.g. 1UBQ",
		Pattern:     regexp.MustCompile(`^[0-9][A-Za-z0-9]{3}$`),
		LookupURL:   "https://files.rcsb.org/header/%s.pdb",
	},
	UniProtID: {
		Type: UniProtID, Category: CategoryIdentifier,
		Description: "UniProtKB accession, e.g. P06213",
		Pattern:     regexp.MustCompile(`^([OPQ][0-9][A-Z0-9]{3}[0-9]|[A-NR-Z][0-9]([A-Z][A-Z0-9]{2}[0-9]){1,2})$`),
		LookupURL:   "https://rest.uniprot.org/uniprotkb/%s.fasta",
	},
	PfamID: {
		Type: PfamID, Category: CategoryIdentifier,
		Description: "Pfam family accession, e.g. PF00069",
		Pattern:     regexp.MustCompile(`^PF[0-9]{5}$`),
		LookupURL:   "https://www.ebi.ac.uk/interpro/api/entry/pfam/%s",
	},
	UniProtSubsection: {
		Type: UniProtSubsection, Category: CategoryNotation,
		Description: "name of a UniProtKB entry subsection, e.g. Function or Subcellular location",
	},
	SMILES: {
		Type: SMILES, Category: CategoryNotation,
		Description: "small molecule in SMILES notation",
		Pattern:     regexp.MustCompile(`^[A-Za-z0-9@+\-\[\]()=#$%/\\.:*~]+$`),
	},
	RFdiffusionContigs: {
		Type: RFdiffusionContigs, Category: CategoryNotation,
		Description: "RFdiffusion contig map, e.g. A1-100/0 50-60",
		Pattern:     regexp.MustCompile(`^\[?\s*[A-Za-z]?[0-9]+(-[0-9]+)?(\s*[/ ,]\s*[A-Za-z]?[0-9]+(-[0-9]+)?)*\s*\]?$`),
	},
	MutationInfo: {
		Type: MutationInfo, Category: CategoryNotation,
		Description: "one or more point mutations such as A123G, separated by commas or colons",
		Pattern:     regexp.MustCompile(`^[A-Z][0-9]+[A-Z](\s*[,;:]\s*[A-Z][0-9]+[A-Z])*$`),
	},
	Text: {
		Type: Text, Category: CategoryFreeform,
		Description: "free text",
	},
	Parameter: {
		Type: Parameter, Category: CategoryFreeform,
		Description: "scalar parameter (string, number or boolean)",
	},
}

var subsections = []string{
	"function", "catalytic activity", "cofactor", "activity regulation",
	"biophysicochemical properties", "pathway", "subcellular location",
	"tissue specificity", "developmental stage", "induction", "domain",
	"ptm", "post-translational modification", "subunit", "interaction",
	"disease", "polymorphism", "sequence similarities", "caution",
	"miscellaneous", "keywords", "gene names", "protein names", "organism",
	"sequence", "features", "involvement in disease", "mutagenesis",
	"binding site", "active site", "family & domains", "structure",
}

// Lookup returns the table entry for t.
func Lookup(t Type) (Def, bool) {
	d, ok := table[t]
	return d, ok
}

// Parse resolves a type code, accepting any letter case.
func Parse(s string) (Type, error) {
	t := Type(strings.ToUpper(strings.TrimSpace(s)))
	if _, ok := table[t]; !ok {
		return "", fmt.Errorf("unknown semantic type %q", s)
	}
	return t, nil
}

// Known reports whether t belongs to the closed table.
func Known(t Type) bool {
	_, ok := table[t]
	return ok
}

// All returns every type code in lexical order.
func All() []Type {
	out := make([]Type, 0, len(table))
	for t := range table {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Describe renders the closed type list for inclusion in prompts.
func Describe() string {
	var b strings.Builder
	for _, t := range All() {
		fmt.Fprintf(&b, "- %s: %s\n", t, table[t].Description)
	}
	return b.String()
}

// IsPath reports whether values of t name files on disk.
func (t Type) IsPath() bool {
	return table[t].Category == CategoryPath
}
