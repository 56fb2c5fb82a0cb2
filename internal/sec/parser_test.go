package sec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleForm4 = `<?xml version="1.0"?>
<ownershipDocument>
  <documentType>4</documentType>
  <issuer>
    <issuerCik>0000320193</issuerCik>
    <issuerName>Apple Inc.</issuerName>
    <issuerTradingSymbol>AAPL</issuerTradingSymbol>
  </issuer>
  <reportingOwner>
    <reportingOwnerId>
      <rptOwnerCik>0001214156</rptOwnerCik>
      <rptOwnerName>COOK TIMOTHY D</rptOwnerName>
    </reportingOwnerId>
    <reportingOwnerRelationship>
      <isDirector>1</isDirector>
      <isOfficer>1</isOfficer>
      <officerTitle>Chief Executive Officer</officerTitle>
    </reportingOwnerRelationship>
  </reportingOwner>
  <nonDerivativeTable>
    <nonDerivativeTransaction>
      <securityTitle><value>Common Stock</value></securityTitle>
      <transactionDate><value>2024-03-15</value></transactionDate>
      <transactionCoding>
        <transactionCode>S</transactionCode>
      </transactionCoding>
      <transactionAmounts>
        <transactionShares><value>1,000</value><footnoteId id="F1"/></transactionShares>
        <transactionPricePerShare><value>172.50</value></transactionPricePerShare>
        <transactionAcquiredDisposedCode><value>D</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
      <postTransactionAmounts>
        <sharesOwnedFollowingTransaction><value>3300000</value></sharesOwnedFollowingTransaction>
      </postTransactionAmounts>
    </nonDerivativeTransaction>
  </nonDerivativeTable>
  <derivativeTable>
    <derivativeTransaction>
      <securityTitle><value>Restricted Stock Unit</value></securityTitle>
      <transactionDate><value>2024-03-15</value></transactionDate>
      <transactionCoding>
        <transactionCode>M</transactionCode>
      </transactionCoding>
      <transactionAmounts>
        <transactionShares><value>500</value></transactionShares>
        <transactionAcquiredDisposedCode><value>A</value></transactionAcquiredDisposedCode>
      </transactionAmounts>
    </derivativeTransaction>
  </derivativeTable>
  <footnotes>
    <footnote id="F1">Shares sold under a Rule <b>10b5-1</b> trading plan.</footnote>
  </footnotes>
</ownershipDocument>`

func TestParseForm4XML(t *testing.T) {
	parsed, err := ParseForm4XML(sampleForm4)
	require.NoError(t, err)

	assert.Equal(t, "4", parsed.DocumentType)
	assert.Equal(t, "0000320193", parsed.IssuerCIK)
	assert.Equal(t, "Apple Inc.", parsed.IssuerName)
	assert.Equal(t, "AAPL", parsed.IssuerTradingSymbol)

	require.Len(t, parsed.ReportingOwners, 1)
	ro := parsed.ReportingOwners[0]
	assert.Equal(t, "0001214156", ro.OwnerCIK)
	assert.Equal(t, "COOK TIMOTHY D", ro.OwnerName)
	require.NotNil(t, ro.IsDirector)
	assert.True(t, *ro.IsDirector)
	require.NotNil(t, ro.IsOfficer)
	assert.True(t, *ro.IsOfficer)
	assert.Nil(t, ro.IsTenPercentOwner)
	assert.Equal(t, "Chief Executive Officer", ro.OfficerTitle)

	require.Len(t, parsed.Transactions, 2)

	nd := parsed.Transactions[0]
	assert.False(t, nd.IsDerivative)
	assert.Equal(t, "S", nd.TransactionCode)
	assert.Equal(t, "2024-03-15", nd.TransactionDate)
	require.NotNil(t, nd.Shares)
	assert.Equal(t, 1000.0, *nd.Shares) // comma stripped
	assert.Equal(t, "172.50", nd.Price)
	require.NotNil(t, nd.SharesOwnedFollowing)
	assert.Equal(t, 3300000.0, *nd.SharesOwnedFollowing)
	assert.Equal(t, "D", nd.RawPayload["acquired_disposed"])
	assert.Equal(t, "Common Stock", nd.RawPayload["security_title"])

	// Footnote reference is resolved into the raw payload.
	assert.Equal(t, []string{"F1"}, nd.RawPayload["footnote_ids"])
	notes, ok := nd.RawPayload["footnotes"].([]map[string]string)
	require.True(t, ok)
	require.Len(t, notes, 1)
	assert.Equal(t, "F1", notes[0]["id"])
	assert.Contains(t, notes[0]["text"], "10b5-1 trading plan")

	dv := parsed.Transactions[1]
	assert.True(t, dv.IsDerivative)
	assert.Equal(t, "M", dv.TransactionCode)
	assert.Empty(t, dv.Price)
}

func TestParseForm4XMLWrapped(t *testing.T) {
	wrapped := "<SEC-DOCUMENT><outer>" + sampleForm4[len(`<?xml version="1.0"?>`):] + "</outer></SEC-DOCUMENT>"
	parsed, err := ParseForm4XML(wrapped)
	require.NoError(t, err)
	assert.Equal(t, "0000320193", parsed.IssuerCIK)
	require.Len(t, parsed.Transactions, 2)
}

func TestParseForm4XMLNoOwnershipDocument(t *testing.T) {
	_, err := ParseForm4XML("<html><body>nothing here</body></html>")
	assert.Error(t, err)
}

func TestParseFloatTolerant(t *testing.T) {
	require.NotNil(t, parseFloatTolerant("1,234.5"))
	assert.Equal(t, 1234.5, *parseFloatTolerant("1,234.5"))
	assert.Nil(t, parseFloatTolerant(""))
	assert.Nil(t, parseFloatTolerant("N/A"))
}

func TestExtractOwnershipFragment(t *testing.T) {
	text := "HEADER JUNK\n<ownershipDocument><documentType>4</documentType></ownershipDocument>\nTRAILER"
	frag := extractOwnershipFragment(text)
	assert.Equal(t, "<ownershipDocument><documentType>4</documentType></ownershipDocument>", frag)

	assert.Empty(t, extractOwnershipFragment("no document here"))
	assert.Empty(t, extractOwnershipFragment("<ownershipDocument>unclosed"))
}

func TestCandidateScore(t *testing.T) {
	// The dedicated ownership XML outranks everything else.
	assert.Greater(t, candidateScore("wk-form4_1710539432.xml"), candidateScore("0000320193-24-000001-index.htm"))
	assert.Greater(t, candidateScore("ownership.xml"), candidateScore("form4.xml"))
	assert.Less(t, candidateScore("ownership4.xsd"), candidateScore("ownership4.xml"))
}

func TestCIKFromAccession(t *testing.T) {
	assert.Equal(t, "0000320193", CIKFromAccession("0000320193-24-000001"))
	assert.Equal(t, "0000000012", CIKFromAccession("12-24-000001"))
}

func TestAccessionNoDash(t *testing.T) {
	assert.Equal(t, "000032019324000001", AccessionNoDash("0000320193-24-000001"))
}
